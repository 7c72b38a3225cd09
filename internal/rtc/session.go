package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

var (
	ErrNegotiation    = errors.New("session negotiation failed")
	ErrMedia          = errors.New("local audio unavailable")
	ErrChannelNotOpen = errors.New("data channel not open")
)

// ChannelLabel is the data channel used for chat events.
const ChannelLabel = "chat"

// Status of a realtime session.
type Status int

const (
	StatusNegotiating Status = iota
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNegotiating:
		return "negotiating"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Client.
type Options struct {
	Model      string
	Voice      string
	ICEServers []webrtc.ICEServer
	// Capture provides the local microphone at 48kHz mono.
	Capture audio.Source
	Logger  *log.Logger
}

// Client opens realtime sessions.
type Client struct {
	signaller Signaller
	opts      Options
	log       *log.Logger
}

// NewClient returns a Client. With no ICE servers only host candidates are gathered.
func NewClient(signaller Signaller, opts Options) *Client {
	return &Client{signaller: signaller, opts: opts, log: logging.OrDiscard(opts.Logger).WithPrefix("rtc")}
}

// Open fetches a fresh grant and dials a session with it.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	grant, err := c.signaller.FetchSessionGrant(ctx, c.opts.Model, c.opts.Voice)
	if err != nil {
		return nil, fmt.Errorf("%w: session grant: %w", ErrNegotiation, err)
	}
	return c.Dial(ctx, grant)
}

// Dial builds a peer connection with one audio track and the chat data
// channel, gathers every ICE candidate, exchanges SDP and starts the
// uplink. On any failure everything acquired so far is released.
func (c *Client) Dial(ctx context.Context, grant Grant) (*Session, error) {
	id := grant.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, c.log.With("session", id))
	fail := func(err error) (*Session, error) {
		if cerr := s.Close(); cerr != nil {
			s.log.Warn("cleanup after failed dial", "err", cerr)
		}
		return nil, err
	}

	// ctx only bounds negotiation; the capture lives until Session.Close.
	capture, err := c.opts.Capture.Start(context.WithoutCancel(ctx), audio.Config{SampleRate: sampleRate, Channels: 1})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrMedia, err))
	}
	s.addResource("capture", capture.Stop)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fail(err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return fail(err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return fail(err)
	}
	s.addResource("peer connection", pc.Close)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate, Channels: 1},
		"audio", "assistant-"+id,
	)
	if err != nil {
		return fail(err)
	}
	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		return fail(err)
	}

	dc, err := pc.CreateDataChannel(ChannelLabel, nil)
	if err != nil {
		return fail(err)
	}
	s.bindChannel(dc)
	s.addResource("data channel", dc.Close)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.remoteEnded("peer connection " + state.String())
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Debug("ice state", "state", state.String())
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.log.Info("remote audio track", "codec", remote.Codec().MimeType)
		go func() {
			err := decodeRemoteAudio(remote, s.playRemote, s.log)
			s.log.Debug("remote audio ended", "err", err)
		}()
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail(fmt.Errorf("%w: %w", ErrNegotiation, ctx.Err()))
	}
	local := pc.LocalDescription()
	if local == nil {
		return fail(fmt.Errorf("%w: no local description", ErrNegotiation))
	}

	answer, err := c.signaller.Negotiate(ctx, local.SDP, grant)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
	}

	up, err := newUplink(track, s.log)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrMedia, err))
	}
	s.addResource("uplink", up.Close)
	go func() {
		err := audio.Pump(capture, frameBytes, up.WritePCM)
		switch {
		case errors.Is(err, io.ErrClosedPipe):
			s.log.Debug("uplink closed")
		case err != nil:
			s.log.Warn("uplink ended", "err", err)
		default:
			s.log.Debug("microphone capture ended")
		}
	}()

	if !s.markOpen() {
		// Closed by a peer state change during setup.
		return fail(fmt.Errorf("%w: connection closed during setup", ErrNegotiation))
	}
	s.log.Info("session established")
	return s, nil
}

// dataChannel is the part of *webrtc.DataChannel a Session sends on.
type dataChannel interface {
	SendText(s string) error
}

type resource struct {
	name  string
	close func() error
}

// Session is one realtime voice session.
type Session struct {
	id  string
	log *log.Logger

	mu           sync.Mutex
	status       Status
	dc           dataChannel
	channelOpen  bool
	remoteClosed bool
	closing      bool
	onMessage    func(string)
	onOpen       func()
	onClose      func()
	pending      []string
	sink         audio.Sink
	resources    []resource

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, logger *log.Logger) *Session {
	return &Session{id: id, log: logger}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) addResource(name string, close func() error) {
	s.mu.Lock()
	s.resources = append(s.resources, resource{name: name, close: close})
	s.mu.Unlock()
}

func (s *Session) markOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusNegotiating || s.remoteClosed {
		return false
	}
	s.status = StatusOpen
	return true
}

func (s *Session) bindChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
	dc.OnOpen(s.channelOpened)
	dc.OnClose(func() { s.remoteEnded("data channel closed") })
	dc.OnError(func(err error) { s.log.Warn("data channel error", "err", err) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { s.deliver(string(msg.Data)) })
}

func (s *Session) channelOpened() {
	s.mu.Lock()
	if s.closing || s.channelOpen {
		s.mu.Unlock()
		return
	}
	s.channelOpen = true
	fn := s.onOpen
	s.mu.Unlock()
	s.log.Info("data channel open")
	if fn != nil {
		fn()
	}
}

// remoteEnded records that the remote side went away. It fires OnClose
// at most once and never after a local Close.
func (s *Session) remoteEnded(reason string) {
	s.mu.Lock()
	if s.closing || s.remoteClosed {
		s.mu.Unlock()
		return
	}
	s.remoteClosed = true
	s.channelOpen = false
	fn := s.onClose
	s.mu.Unlock()
	s.log.Info("session ended remotely", "reason", reason)
	if fn != nil {
		fn()
	}
}

func (s *Session) deliver(msg string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	fn := s.onMessage
	if fn == nil {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(msg)
}

func (s *Session) playRemote(pcm []byte) {
	s.mu.Lock()
	sink := s.sink
	closing := s.closing
	s.mu.Unlock()
	if sink == nil || closing {
		return
	}
	if err := sink.WritePCM(pcm); err != nil {
		s.log.Debug("remote audio sink", "err", err)
	}
}

// Send writes a text message on the data channel.
func (s *Session) Send(msg string) error {
	s.mu.Lock()
	dc, open := s.dc, s.channelOpen && !s.closing
	s.mu.Unlock()
	if dc == nil || !open {
		return ErrChannelNotOpen
	}
	return dc.SendText(msg)
}

// OnMessage registers the message handler and flushes anything received before it.
func (s *Session) OnMessage(fn func(string)) {
	s.mu.Lock()
	s.onMessage = fn
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, m := range pending {
		fn(m)
	}
}

// OnOpen registers fn for channel open; it runs immediately if already open.
func (s *Session) OnOpen(fn func()) {
	s.mu.Lock()
	s.onOpen = fn
	already := s.channelOpen
	s.mu.Unlock()
	if already && fn != nil {
		fn()
	}
}

// OnClose registers fn for a remote close; it runs immediately if the
// session already ended remotely.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	already := s.remoteClosed && !s.closing
	s.mu.Unlock()
	if already && fn != nil {
		fn()
	}
}

// OnRemoteAudio routes decoded remote audio to sink. The session owns
// sink from then on and closes it on Close.
func (s *Session) OnRemoteAudio(sink audio.Sink) {
	s.mu.Lock()
	prev := s.sink
	s.sink = sink
	closing := s.closing
	s.mu.Unlock()
	if prev != nil && prev != sink {
		_ = prev.Close()
	}
	if closing && sink != nil {
		_ = sink.Close()
	}
}

// Close releases every resource exactly once, most recent first. All
// releases are attempted and their errors joined.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.channelOpen = false
		s.status = StatusClosed
		resources := s.resources
		s.resources = nil
		if s.sink != nil {
			resources = append([]resource{{name: "remote audio", close: s.sink.Close}}, resources...)
		}
		s.pending = nil
		s.mu.Unlock()

		var errs []error
		for i := len(resources) - 1; i >= 0; i-- {
			if err := resources[i].close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", resources[i].name, err))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("session closed")
	})
	return s.closeErr
}
