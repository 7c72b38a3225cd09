package rtc

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	return nil
}

func testSession() (*Session, *fakeChannel) {
	s := newSession("sess-1", logging.Discard())
	fc := &fakeChannel{}
	s.dc = fc
	return s, fc
}

func TestSession_SendRequiresOpenChannel(t *testing.T) {
	s, fc := testSession()
	if err := s.Send("hi"); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("expected ErrChannelNotOpen, got %v", err)
	}
	s.channelOpened()
	if err := s.Send("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fc.sent) != 1 || fc.sent[0] != "hi" {
		t.Fatalf("unexpected sent %q", fc.sent)
	}
	_ = s.Close()
	if err := s.Send("again"); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("expected ErrChannelNotOpen after close, got %v", err)
	}
}

func TestSession_OpenIsSticky(t *testing.T) {
	s, _ := testSession()
	s.channelOpened()
	var fired atomic.Int32
	s.OnOpen(func() { fired.Add(1) })
	if fired.Load() != 1 {
		t.Fatalf("expected late OnOpen to fire immediately")
	}
	s.channelOpened()
	if fired.Load() != 1 {
		t.Fatalf("open must fire once")
	}
}

func TestSession_MessagesQueuedUntilHandler(t *testing.T) {
	s, _ := testSession()
	s.deliver("one")
	s.deliver("two")
	var got []string
	s.OnMessage(func(m string) { got = append(got, m) })
	s.deliver("three")
	if strings.Join(got, ",") != "one,two,three" {
		t.Fatalf("unexpected delivery order %q", got)
	}
}

func TestSession_RemoteCloseFiresOnceAndIsSticky(t *testing.T) {
	s, _ := testSession()
	var fired atomic.Int32
	s.OnClose(func() { fired.Add(1) })
	s.remoteEnded("data channel closed")
	s.remoteEnded("peer connection closed")
	if fired.Load() != 1 {
		t.Fatalf("expected one close notification, got %d", fired.Load())
	}

	late, _ := testSession()
	late.remoteEnded("gone")
	var lateFired bool
	late.OnClose(func() { lateFired = true })
	if !lateFired {
		t.Fatalf("expected late OnClose to fire immediately")
	}
}

func TestSession_LocalCloseDoesNotFireOnClose(t *testing.T) {
	s, _ := testSession()
	var fired bool
	s.OnClose(func() { fired = true })
	_ = s.Close()
	s.remoteEnded("data channel closed")
	if fired {
		t.Fatalf("local close must not notify")
	}
	if s.Status() != StatusClosed {
		t.Fatalf("expected closed, got %s", s.Status())
	}
}

type fakeSink struct {
	mu     sync.Mutex
	writes int
	closed int
}

func (f *fakeSink) WritePCM(p []byte) error {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func TestSession_CloseReleasesOnceInReverseOrder(t *testing.T) {
	s, _ := testSession()
	var order []string
	s.addResource("capture", func() error { order = append(order, "capture"); return nil })
	s.addResource("peer", func() error { order = append(order, "peer"); return errors.New("boom") })
	s.addResource("uplink", func() error { order = append(order, "uplink"); return nil })
	sink := &fakeSink{}
	s.OnRemoteAudio(sink)
	s.playRemote([]byte{0, 0})

	err := s.Close()
	if err == nil || !strings.Contains(err.Error(), "peer: boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if err2 := s.Close(); err2 != err {
		t.Fatalf("second close should return the same result")
	}
	if strings.Join(order, ",") != "uplink,peer,capture" {
		t.Fatalf("unexpected release order %q", order)
	}
	if sink.closed != 1 || sink.writes != 1 {
		t.Fatalf("unexpected sink usage writes=%d closed=%d", sink.writes, sink.closed)
	}
	s.playRemote([]byte{0, 0})
	if sink.writes != 1 {
		t.Fatalf("no audio after close")
	}
}

type fakeSignaller struct {
	grantErr     error
	negotiateErr error
	answer       func(offer string) (string, error)
	grants       atomic.Int32
}

func (f *fakeSignaller) FetchSessionGrant(ctx context.Context, model, voice string) (Grant, error) {
	f.grants.Add(1)
	if f.grantErr != nil {
		return Grant{}, f.grantErr
	}
	return Grant{SessionID: "sess-1", EphemeralKey: "ek"}, nil
}

func (f *fakeSignaller) Negotiate(ctx context.Context, offer string, g Grant) (string, error) {
	if f.negotiateErr != nil {
		return "", f.negotiateErr
	}
	return f.answer(offer)
}

type silentSource struct {
	err      error
	sessions []*silentCapture
	mu       sync.Mutex
}

func (s *silentSource) Start(ctx context.Context, cfg audio.Config) (audio.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	r, w := io.Pipe()
	c := &silentCapture{r: r, w: w}
	s.mu.Lock()
	s.sessions = append(s.sessions, c)
	s.mu.Unlock()
	// Like a process started with exec.CommandContext, the capture dies with ctx.
	go func() {
		<-ctx.Done()
		c.killed.Store(true)
		_ = c.Stop()
	}()
	go func() {
		frame := make([]byte, frameBytes)
		for {
			if _, err := w.Write(frame); err != nil {
				return
			}
			time.Sleep(frameLength)
		}
	}()
	return c, nil
}

type silentCapture struct {
	r       *io.PipeReader
	w       *io.PipeWriter
	stopped atomic.Bool
	killed  atomic.Bool
}

func (c *silentCapture) Read(b []byte) (int, error) { return c.r.Read(b) }
func (c *silentCapture) Close() error               { return c.Stop() }
func (c *silentCapture) Stop() error {
	c.stopped.Store(true)
	_ = c.w.Close()
	return c.r.Close()
}

func TestClient_GrantFailureIsNegotiationError(t *testing.T) {
	c := NewClient(&fakeSignaller{grantErr: errors.New("401")}, Options{Capture: &silentSource{}})
	if _, err := c.Open(context.Background()); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation, got %v", err)
	}
}

func TestClient_CaptureFailureIsMediaError(t *testing.T) {
	c := NewClient(&fakeSignaller{}, Options{Capture: &silentSource{err: errors.New("no device")}})
	if _, err := c.Open(context.Background()); !errors.Is(err, ErrMedia) {
		t.Fatalf("expected ErrMedia, got %v", err)
	}
}

func TestClient_NegotiateFailureReleasesCapture(t *testing.T) {
	src := &silentSource{}
	c := NewClient(&fakeSignaller{negotiateErr: errors.New("503")}, Options{Capture: src})
	_, err := c.Open(context.Background())
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("expected ErrNegotiation, got %v", err)
	}
	if len(src.sessions) != 1 || !src.sessions[0].stopped.Load() {
		t.Fatalf("expected capture to be released")
	}
}

// answerer plays the realtime endpoint with a second peer connection.
type answerer struct {
	pc      *webrtc.PeerConnection
	channel chan *webrtc.DataChannel
}

func newAnswerer(t *testing.T) *answerer {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("answerer pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	a := &answerer{pc: pc, channel: make(chan *webrtc.DataChannel, 1)}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) { a.channel <- dc })
	return a
}

func (a *answerer) answer(offer string) (string, error) {
	if !strings.Contains(offer, "a=candidate") {
		return "", errors.New("offer carries no candidates")
	}
	if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	ans, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gather := webrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(ans); err != nil {
		return "", err
	}
	<-gather
	return a.pc.LocalDescription().SDP, nil
}

func TestClient_LoopbackSession(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback peer connection")
	}
	srv := newAnswerer(t)
	src := &silentSource{}
	c := NewClient(&fakeSignaller{answer: srv.answer}, Options{Capture: src, Logger: logging.Discard()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := c.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	if sess.ID() != "sess-1" || sess.Status() != StatusOpen {
		t.Fatalf("unexpected session %s %s", sess.ID(), sess.Status())
	}

	opened := make(chan struct{})
	sess.OnOpen(func() { close(opened) })
	closed := make(chan struct{})
	sess.OnClose(func() { close(closed) })
	messages := make(chan string, 1)
	sess.OnMessage(func(m string) { messages <- m })

	var remote *webrtc.DataChannel
	select {
	case remote = <-srv.channel:
	case <-ctx.Done():
		t.Fatalf("answerer never saw the data channel")
	}
	if remote.Label() != ChannelLabel {
		t.Fatalf("unexpected label %q", remote.Label())
	}
	received := make(chan string, 1)
	remote.OnMessage(func(m webrtc.DataChannelMessage) { received <- string(m.Data) })
	remote.OnOpen(func() { _ = remote.SendText("hello") })

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatalf("channel never opened")
	}
	if err := sess.Send("ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-received:
		if m != "ping" {
			t.Fatalf("unexpected message at answerer %q", m)
		}
	case <-ctx.Done():
		t.Fatalf("answerer never received")
	}
	select {
	case m := <-messages:
		if m != "hello" {
			t.Fatalf("unexpected message %q", m)
		}
	case <-ctx.Done():
		t.Fatalf("client never received")
	}

	_ = remote.Close()
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatalf("remote close was not reported")
	}
}

func TestClient_CaptureOutlivesOpenContext(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback peer connection")
	}
	srv := newAnswerer(t)
	src := &silentSource{}
	c := NewClient(&fakeSignaller{answer: srv.answer}, Options{Capture: src, Logger: logging.Discard()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sess, err := c.Open(ctx)
	if err != nil {
		cancel()
		t.Fatalf("open: %v", err)
	}
	cancel()

	time.Sleep(50 * time.Millisecond)
	capture := src.sessions[0]
	if capture.killed.Load() || capture.stopped.Load() {
		t.Fatalf("capture ended with the negotiation context")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !capture.stopped.Load() {
		t.Fatalf("expected session close to stop the capture")
	}
}
