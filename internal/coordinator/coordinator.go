// Package coordinator owns the assistant's session lifecycle: it listens for
// a wake phrase, negotiates a realtime session, listens for a stop phrase
// while the session runs, and tears everything down on any exit path.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
	"github.com/praveenreddy854/web-rtc-demo/internal/listener"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

var (
	ErrNoSession = errors.New("no active session")
	ErrBusy      = errors.New("a session is already active or starting")
	ErrStopped   = errors.New("coordinator stopped")
)

// State of the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingWake
	StateNegotiating
	StateSessionActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingWake:
		return "awaiting_wake"
	case StateNegotiating:
		return "negotiating"
	case StateSessionActive:
		return "session_active"
	default:
		return "unknown"
	}
}

const (
	StatusIdle          = "Click 'Enable Assistant' to start listening."
	StatusListening     = "Listening for wake word (say 'assistant' or 'hey assistant')"
	StatusWakeDetected  = "Wake word detected! Starting session..."
	StatusSessionActive = "Session active! Say 'stop' to end the session."
	StatusChatReady     = "Session active! You can chat now. Say 'stop' to end."
	StatusStopDetected  = "Stop word detected! Ending session..."
	StatusWakeFailed    = "Could not start wake word detection."
	StatusWakeRetrying  = "Wake word error. Retrying..."
)

// Remote audio is decoded to 48 kHz mono PCM.
const (
	remoteSampleRate = 48000
	remoteChannels   = 1
)

// Credentials hands out a valid speech credential.
type Credentials interface {
	Get(ctx context.Context) (credential.Credential, error)
}

// PhraseListener is the part of *listener.Listener the coordinator drives.
type PhraseListener interface {
	Configure(cred credential.Credential)
	Start(onMatch func(listener.Match), onError func(error)) *listener.Handle
	Stop()
	IsActive() bool
}

// Session is an open realtime session.
type Session interface {
	ID() string
	Send(msg string) error
	OnMessage(fn func(string))
	OnOpen(fn func())
	OnClose(fn func())
	OnRemoteAudio(sink audio.Sink)
	// Close must be safe to call more than once.
	Close() error
}

// SessionOpener negotiates a new realtime session.
type SessionOpener interface {
	Open(ctx context.Context) (Session, error)
}

// OpenerFunc adapts a function to SessionOpener.
type OpenerFunc func(ctx context.Context) (Session, error)

func (f OpenerFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// Speaker opens a sink for the assistant's voice. *audio.Player satisfies it.
type Speaker interface {
	Open(ctx context.Context, sampleRate, channels int) (audio.Sink, error)
}

// Observer receives user-facing notifications. Calls come from the
// coordinator's loop and must not block.
type Observer interface {
	StatusChanged(status string)
	LogLine(line string)
	ChatMessage(role, text string)
	StateChanged(state State)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(string)       {}
func (nopObserver) LogLine(string)             {}
func (nopObserver) ChatMessage(string, string) {}
func (nopObserver) StateChanged(State)         {}

type Options struct {
	// SessionTimeout ends a session that was not stopped explicitly. Zero disables it.
	SessionTimeout time.Duration
	// NegotiationTimeout bounds one session open. Zero leaves it to the opener.
	NegotiationTimeout time.Duration
	// WakeRetryDelay restarts wake listening after an error. Zero disables retries.
	WakeRetryDelay time.Duration
	Logger         *log.Logger
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Credentials Credentials
	Wake        PhraseListener
	Stop        PhraseListener
	Sessions    SessionOpener
	Speaker     Speaker
	Observer    Observer
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	State     State  `json:"-"`
	StateName string `json:"state"`
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// Coordinator is the session state machine. All transitions happen on the
// goroutine running Run; everything else posts events to it.
type Coordinator struct {
	opts Options
	deps Deps
	log  *log.Logger

	events chan event
	done   chan struct{}
	runMu  sync.Mutex
	ran    bool

	// Owned by the loop.
	ctx        context.Context
	state      State
	enabled    bool
	wakeGen    uint64
	sessionGen uint64
	session    Session
	negCancel  context.CancelFunc
	timeout    *time.Timer
	retry      *time.Timer
	// wakeStalled is set when wake listening failed and no retry is armed.
	wakeStalled bool

	snapMu sync.RWMutex
	snap   Snapshot
}

func New(deps Deps, opts Options) *Coordinator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	c := &Coordinator{
		opts:   opts,
		deps:   deps,
		log:    logging.OrDiscard(opts.Logger).WithPrefix("coordinator"),
		events: make(chan event, 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	c.snap = Snapshot{State: StateIdle, StateName: StateIdle.String(), Status: StatusIdle}
	return c
}

// Run processes events until ctx is cancelled, then releases everything and
// returns to Idle. It may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.ran {
		c.runMu.Unlock()
		return errors.New("coordinator already running")
	}
	c.ran = true
	c.runMu.Unlock()

	c.ctx = ctx
	c.deps.Observer.StatusChanged(StatusIdle)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			close(c.done)
			c.drain()
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Enable starts wake listening. Once enabled it only restarts a wake
// listener that failed with retries disabled.
func (c *Coordinator) Enable(ctx context.Context) error {
	return c.request(ctx, evEnable, "")
}

// StartSession begins a session without waiting for the wake phrase.
// It fails with ErrBusy while a session exists or is being negotiated.
func (c *Coordinator) StartSession(ctx context.Context) error {
	return c.request(ctx, evManualStart, "")
}

// EndSession tears down the current session, or the one being negotiated.
func (c *Coordinator) EndSession(ctx context.Context) error {
	return c.request(ctx, evManualEnd, "")
}

// SendChat sends a typed user message into the active session.
func (c *Coordinator) SendChat(ctx context.Context, text string) error {
	return c.request(ctx, evSend, text)
}

func (c *Coordinator) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.State
}

func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

func (c *Coordinator) request(ctx context.Context, kind eventKind, text string) error {
	reply := make(chan error, 1)
	ev := event{kind: kind, text: text, reply: reply}
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an event to the loop. It reports false once the loop is
// gone, including when the loop exited while the send raced with it; the
// caller then owns any session in ev, which drain may also close.
func (c *Coordinator) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// drain releases sessions that completed after the loop stopped.
func (c *Coordinator) drain() {
	for {
		select {
		case ev := <-c.events:
			if ev.session != nil {
				_ = ev.session.Close()
			}
			if ev.reply != nil {
				ev.reply <- ErrStopped
			}
		default:
			return
		}
	}
}

func (c *Coordinator) handle(ev event) {
	var err error
	switch ev.kind {
	case evEnable:
		c.onEnable()
	case evManualStart:
		err = c.onManualStart()
	case evManualEnd:
		err = c.onManualEnd()
	case evSend:
		err = c.onSend(ev.text)
	case evWakeCredential:
		c.onWakeCredential(ev)
	case evWakeMatch:
		c.onWakeMatch(ev)
	case evWakeError:
		c.onWakeError(ev)
	case evWakeRetry:
		c.onWakeRetry(ev)
	case evNegotiated:
		c.onNegotiated(ev)
	case evStopCredential:
		c.onStopCredential(ev)
	case evStopMatch:
		c.onStopMatch(ev)
	case evStopError:
		c.onStopError(ev)
	case evChannelOpen:
		c.onChannelOpen(ev)
	case evMessage:
		c.onMessage(ev)
	case evRemoteClosed:
		c.onRemoteClosed(ev)
	case evTimeout:
		c.onTimeout(ev)
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

func (c *Coordinator) onEnable() {
	if c.enabled {
		if c.state == StateAwaitingWake && c.wakeStalled {
			c.logLine("Restarting wake word detection.")
			c.startWake()
		}
		return
	}
	c.enabled = true
	c.logLine("Assistant enabled.")
	c.startWake()
}

func (c *Coordinator) onManualStart() error {
	if c.session != nil || c.state == StateNegotiating || c.state == StateSessionActive {
		c.log.Warn("manual start rejected", "state", c.state)
		return ErrBusy
	}
	c.enabled = true
	c.logLine("Manual session start requested.")
	c.beginNegotiation()
	return nil
}

func (c *Coordinator) onManualEnd() error {
	if c.state != StateNegotiating && c.state != StateSessionActive {
		return ErrNoSession
	}
	c.logLine("Manual session end requested.")
	c.teardown("manual end", true)
	return nil
}

func (c *Coordinator) onSend(text string) error {
	if c.session == nil || c.state != StateSessionActive {
		return ErrNoSession
	}
	msgs, err := userMessageEvents(text)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := c.session.Send(m); err != nil {
			return err
		}
	}
	c.deps.Observer.ChatMessage(RoleUser, text)
	return nil
}

// startWake fetches a credential and starts the wake listener under a new
// wake generation.
func (c *Coordinator) startWake() {
	c.stopRetry()
	c.wakeStalled = false
	c.wakeGen++
	gen := c.wakeGen
	c.setState(StateAwaitingWake)
	c.setStatus(StatusListening)
	ctx := c.ctx
	go func() {
		cred, err := c.deps.Credentials.Get(ctx)
		c.post(event{kind: evWakeCredential, gen: gen, cred: cred, err: err})
	}()
}

func (c *Coordinator) wakeCurrent(ev event) bool {
	return ev.gen == c.wakeGen && c.state == StateAwaitingWake
}

func (c *Coordinator) onWakeCredential(ev event) {
	if !c.wakeCurrent(ev) {
		return
	}
	if ev.err != nil {
		c.log.Error("wake credential", "err", ev.err)
		c.setStatus(StatusWakeFailed)
		c.logLine("Failed to get speech token: " + ev.err.Error())
		c.armRetry()
		c.wakeStalled = c.retry == nil
		return
	}
	gen := ev.gen
	c.deps.Wake.Configure(ev.cred)
	c.deps.Wake.Start(
		func(m listener.Match) { c.post(event{kind: evWakeMatch, gen: gen, text: m.Text}) },
		func(err error) { c.post(event{kind: evWakeError, gen: gen, err: err}) },
	)
}

func (c *Coordinator) onWakeMatch(ev event) {
	if !c.wakeCurrent(ev) {
		return
	}
	c.setStatus(StatusWakeDetected)
	c.logLine("Wake word detected: " + ev.text)
	c.beginNegotiation()
}

func (c *Coordinator) onWakeError(ev event) {
	if !c.wakeCurrent(ev) {
		return
	}
	c.log.Warn("wake listener error", "err", ev.err)
	c.logLine("Wake word error: " + ev.err.Error())
	c.deps.Wake.Stop()
	if c.opts.WakeRetryDelay > 0 {
		c.setStatus(StatusWakeRetrying)
	} else {
		c.setStatus(StatusWakeFailed)
	}
	c.armRetry()
	c.wakeStalled = c.retry == nil
}

func (c *Coordinator) armRetry() {
	c.stopRetry()
	if c.opts.WakeRetryDelay <= 0 {
		return
	}
	gen := c.wakeGen
	c.retry = time.AfterFunc(c.opts.WakeRetryDelay, func() {
		c.post(event{kind: evWakeRetry, gen: gen})
	})
}

func (c *Coordinator) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Coordinator) onWakeRetry(ev event) {
	if !c.wakeCurrent(ev) {
		return
	}
	c.retry = nil
	c.log.Info("restarting wake listener")
	c.startWake()
}

// beginNegotiation retires the wake listener and opens a session under a
// new session generation.
func (c *Coordinator) beginNegotiation() {
	c.stopRetry()
	c.wakeStalled = false
	c.wakeGen++
	c.deps.Wake.Stop()

	c.sessionGen++
	gen := c.sessionGen
	var ctx context.Context
	var cancel context.CancelFunc
	if c.opts.NegotiationTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.opts.NegotiationTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}
	c.negCancel = cancel
	c.setState(StateNegotiating)
	c.logLine("Connecting to realtime session...")

	go func() {
		sess, err := c.deps.Sessions.Open(ctx)
		if !c.post(event{kind: evNegotiated, gen: gen, session: sess, err: err}) && sess != nil {
			_ = sess.Close()
		}
	}()
}

func (c *Coordinator) sessionCurrent(ev event) bool {
	return ev.gen == c.sessionGen && c.state == StateSessionActive
}

func (c *Coordinator) onNegotiated(ev event) {
	if ev.gen != c.sessionGen || c.state != StateNegotiating {
		if ev.session != nil {
			c.log.Debug("closing superseded session", "id", ev.session.ID())
			_ = ev.session.Close()
		}
		return
	}
	if ev.err != nil {
		c.log.Error("negotiation failed", "err", ev.err)
		c.logLine("Failed to start session: " + ev.err.Error())
		c.teardown("negotiation failed", true)
		return
	}
	if c.negCancel != nil {
		c.negCancel()
		c.negCancel = nil
	}

	gen := ev.gen
	sess := ev.session
	c.session = sess
	if c.deps.Speaker != nil {
		sink, err := c.deps.Speaker.Open(c.ctx, remoteSampleRate, remoteChannels)
		if err != nil {
			c.log.Warn("remote audio unavailable", "err", err)
		} else {
			sess.OnRemoteAudio(sink)
		}
	}
	sess.OnMessage(func(m string) { c.post(event{kind: evMessage, gen: gen, text: m}) })
	sess.OnOpen(func() { c.post(event{kind: evChannelOpen, gen: gen}) })
	sess.OnClose(func() { c.post(event{kind: evRemoteClosed, gen: gen}) })

	c.setState(StateSessionActive)
	c.setStatus(StatusSessionActive)
	c.logLine("Session started: " + sess.ID())

	if c.opts.SessionTimeout > 0 {
		c.timeout = time.AfterFunc(c.opts.SessionTimeout, func() {
			c.post(event{kind: evTimeout, gen: gen})
		})
	}

	ctx := c.ctx
	go func() {
		cred, err := c.deps.Credentials.Get(ctx)
		c.post(event{kind: evStopCredential, gen: gen, cred: cred, err: err})
	}()
}

func (c *Coordinator) onStopCredential(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	if ev.err != nil {
		c.log.Error("stop credential", "err", ev.err)
		c.logLine("Stop word detection unavailable: " + ev.err.Error())
		return
	}
	gen := ev.gen
	c.deps.Stop.Configure(ev.cred)
	c.deps.Stop.Start(
		func(m listener.Match) { c.post(event{kind: evStopMatch, gen: gen, text: m.Text}) },
		func(err error) { c.post(event{kind: evStopError, gen: gen, err: err}) },
	)
}

func (c *Coordinator) onStopMatch(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	c.setStatus(StatusStopDetected)
	c.logLine("Stop word detected: " + ev.text)
	c.teardown("stop phrase", true)
}

func (c *Coordinator) onStopError(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	c.log.Warn("stop listener error", "err", ev.err)
	c.logLine("Stop word detection error: " + ev.err.Error())
}

func (c *Coordinator) onChannelOpen(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	c.setStatus(StatusChatReady)
	c.logLine("DataChannel open.")
}

func (c *Coordinator) onMessage(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	text, kind, ok := assistantText(ev.text)
	if !ok {
		c.log.Debug("realtime event", "type", kind)
		return
	}
	c.deps.Observer.ChatMessage(RoleAssistant, text)
}

func (c *Coordinator) onRemoteClosed(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	c.logLine("DataChannel closed.")
	c.teardown("remote close", true)
}

func (c *Coordinator) onTimeout(ev event) {
	if !c.sessionCurrent(ev) {
		return
	}
	c.timeout = nil
	c.logLine("Session timed out.")
	c.teardown("timeout", true)
}

// teardown is the single exit path from Negotiating and SessionActive.
func (c *Coordinator) teardown(reason string, restart bool) {
	if c.negCancel != nil {
		c.negCancel()
		c.negCancel = nil
	}
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	c.deps.Stop.Stop()
	if c.session != nil {
		id := c.session.ID()
		if err := c.session.Close(); err != nil {
			c.log.Warn("session close", "id", id, "err", err)
		}
		c.session = nil
	}
	c.sessionGen++
	c.log.Info("session torn down", "reason", reason)

	if restart {
		c.logLine("Session ended. Returning to wake word listening.")
		c.startWake()
	}
}

func (c *Coordinator) shutdown() {
	if c.state == StateNegotiating || c.state == StateSessionActive {
		c.teardown("shutdown", false)
	}
	c.stopRetry()
	c.wakeGen++
	c.deps.Wake.Stop()
	c.enabled = false
	c.setState(StateIdle)
	c.setStatus(StatusIdle)
	c.log.Info("stopped")
}

func (c *Coordinator) setState(st State) {
	if c.state == st {
		return
	}
	c.log.Debug("transition", "from", c.state, "to", st)
	c.state = st
	c.snapMu.Lock()
	c.snap.State = st
	c.snap.StateName = st.String()
	c.snap.Enabled = c.enabled
	c.snap.SessionID = ""
	if c.session != nil {
		c.snap.SessionID = c.session.ID()
	}
	c.snapMu.Unlock()
	c.deps.Observer.StateChanged(st)
}

func (c *Coordinator) setStatus(status string) {
	c.snapMu.Lock()
	c.snap.Status = status
	c.snapMu.Unlock()
	c.deps.Observer.StatusChanged(status)
}

func (c *Coordinator) logLine(line string) {
	c.log.Info(line)
	c.deps.Observer.LogLine(line)
}
