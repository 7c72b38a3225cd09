package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

var (
	ErrStart            = errors.New("listener start failed")
	ErrNotConfigured    = errors.New("listener has no credential")
	ErrRecognitionEnded = errors.New("recognition ended")
)

// Status of a listener handle.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusActive
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Result is one recognition hypothesis from an engine.
type Result struct {
	Text  string
	Final bool
}

// Stream is a running recognition session. Results is closed when the
// stream ends; Err then reports why, or nil after Close.
type Stream interface {
	Results() <-chan Result
	Err() error
	Close() error
}

// Engine opens continuous recognition streams.
type Engine interface {
	Start(ctx context.Context, cred credential.Credential) (Stream, error)
}

// Match is delivered when a final result contains a configured phrase.
type Match struct {
	Phrase string
	Text   string
}

// Handle identifies one Start of a Listener.
type Handle struct {
	gen    uint64
	status atomic.Int32
}

func newHandle(gen uint64, st Status) *Handle {
	h := &Handle{gen: gen}
	h.status.Store(int32(st))
	return h
}

func (h *Handle) Generation() uint64 { return h.gen }
func (h *Handle) Status() Status     { return Status(h.status.Load()) }
func (h *Handle) set(st Status)      { h.status.Store(int32(st)) }

// Listener runs continuous recognition against a phrase set and reports
// matches. At most one engine stream is open at a time.
type Listener struct {
	name    string
	engine  Engine
	phrases *PhraseSet
	log     *log.Logger

	mu     sync.Mutex
	cred   *credential.Credential
	gen    uint64
	handle *Handle
	stream Stream
	cancel context.CancelFunc
}

func New(name string, engine Engine, phrases *PhraseSet, logger *log.Logger) *Listener {
	if phrases == nil {
		phrases = NewPhraseSet()
	}
	return &Listener{
		name:    name,
		engine:  engine,
		phrases: phrases,
		log:     logging.OrDiscard(logger).WithPrefix("listener:" + name),
	}
}

func (l *Listener) Name() string { return l.name }

// Configure sets the credential used by subsequent starts.
func (l *Listener) Configure(cred credential.Credential) {
	l.mu.Lock()
	l.cred = &cred
	l.mu.Unlock()
}

// Start begins recognition. It never fails synchronously: problems are
// reported through onError. Calling Start while a start is in flight or
// the listener is active returns the existing handle.
func (l *Listener) Start(onMatch func(Match), onError func(error)) *Handle {
	if onMatch == nil {
		onMatch = func(Match) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	l.mu.Lock()
	if h := l.handle; h != nil {
		if st := h.Status(); st == StatusStarting || st == StatusActive {
			l.mu.Unlock()
			return h
		}
	}
	if l.cred == nil {
		h := newHandle(l.gen, StatusStopped)
		l.mu.Unlock()
		onError(ErrNotConfigured)
		return h
	}
	l.gen++
	h := newHandle(l.gen, StatusStarting)
	ctx, cancel := context.WithCancel(context.Background())
	l.handle, l.stream, l.cancel = h, nil, cancel
	cred := *l.cred
	l.mu.Unlock()

	go l.run(ctx, cancel, h, cred, onMatch, onError)
	return h
}

func (l *Listener) run(ctx context.Context, cancel context.CancelFunc, h *Handle, cred credential.Credential, onMatch func(Match), onError func(error)) {
	stream, err := l.engine.Start(ctx, cred)

	l.mu.Lock()
	if l.handle != h {
		// Stopped or superseded while the engine was starting.
		l.mu.Unlock()
		cancel()
		if stream != nil {
			_ = stream.Close()
		}
		h.set(StatusStopped)
		return
	}
	if err != nil {
		l.handle, l.cancel = nil, nil
		h.set(StatusStopped)
		l.mu.Unlock()
		cancel()
		l.log.Error("start failed", "generation", h.gen, "err", err)
		onError(fmt.Errorf("%w: %w", ErrStart, err))
		return
	}
	l.stream = stream
	h.set(StatusActive)
	l.mu.Unlock()
	l.log.Info("listening", "generation", h.gen, "phrases", l.phrases.Len())

	for res := range stream.Results() {
		if !res.Final {
			continue
		}
		phrase, ok := l.phrases.Match(res.Text)
		if !ok {
			l.log.Debug("final result", "text", res.Text)
			continue
		}
		if !l.isCurrent(h) {
			continue
		}
		l.log.Info("phrase matched", "phrase", phrase, "text", res.Text)
		onMatch(Match{Phrase: phrase, Text: res.Text})
	}

	l.mu.Lock()
	current := l.handle == h
	if current {
		l.handle, l.stream, l.cancel = nil, nil, nil
	}
	h.set(StatusStopped)
	l.mu.Unlock()
	cancel()
	if !current {
		return
	}
	endErr := ErrRecognitionEnded
	if cause := stream.Err(); cause != nil {
		endErr = fmt.Errorf("%w: %w", ErrRecognitionEnded, cause)
	}
	l.log.Warn("recognition ended", "generation", h.gen, "err", endErr)
	onError(endErr)
}

// Stop ends recognition. It is idempotent and safe while a start is in flight.
func (l *Listener) Stop() {
	l.mu.Lock()
	h, stream, cancel := l.handle, l.stream, l.cancel
	l.handle, l.stream, l.cancel = nil, nil, nil
	if h != nil {
		h.set(StatusStopping)
	}
	l.mu.Unlock()

	if h == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			l.log.Debug("stream close", "err", err)
		}
		h.set(StatusStopped)
	}
	l.log.Info("stopped", "generation", h.gen)
}

func (l *Listener) isCurrent(h *Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle == h
}

// IsActive reports whether a recognition stream is currently open.
func (l *Listener) IsActive() bool {
	return l.Status() == StatusActive
}

// Status of the current handle, or Stopped when there is none.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return StatusStopped
	}
	return l.handle.Status()
}

// AddPhrase extends the phrase set; it applies to later results.
func (l *Listener) AddPhrase(phrase string) bool {
	return l.phrases.Add(phrase)
}

func (l *Listener) Phrases() []string { return l.phrases.Phrases() }
