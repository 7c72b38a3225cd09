package transcript

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
	"github.com/praveenreddy854/web-rtc-demo/internal/listener"
)

// pipeSource hands out a capture backed by an io.Pipe the test can write to.
type pipeSource struct {
	mu      sync.Mutex
	writers []*io.PipeWriter
	cfg     audio.Config
	err     error
}

func (p *pipeSource) Start(ctx context.Context, cfg audio.Config) (audio.Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	r, w := io.Pipe()
	p.mu.Lock()
	p.writers = append(p.writers, w)
	p.cfg = cfg
	p.mu.Unlock()
	return &pipeSession{r: r}, nil
}

type pipeSession struct {
	r    *io.PipeReader
	once sync.Once
}

func (s *pipeSession) Read(b []byte) (int, error) { return s.r.Read(b) }
func (s *pipeSession) Close() error               { return s.Stop() }
func (s *pipeSession) Stop() error {
	s.once.Do(func() { _ = s.r.CloseWithError(io.EOF) })
	return nil
}

var upgrader = websocket.Upgrader{}

type fakeServer struct {
	srv      *httptest.Server
	query    chan string
	binary   chan int
	control  chan string
	messages []string
}

func newFakeServer(t *testing.T, messages ...string) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		query:    make(chan string, 1),
		binary:   make(chan int, 64),
		control:  make(chan string, 4),
		messages: messages,
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range fs.messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				fs.binary <- len(data)
				continue
			}
			fs.control <- string(data)
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) wsURL() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func testCred() credential.Credential {
	return credential.Credential{Token: "tmp-token", IssuedAt: time.Now(), TTL: time.Minute}
}

func collect(t *testing.T, s listener.Stream, n int) []listener.Result {
	t.Helper()
	var out []listener.Result
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case r, ok := <-s.Results():
			if !ok {
				t.Fatalf("results closed after %d of %d", len(out), n)
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func TestAssemblyAI_MapsTurnsToResults(t *testing.T) {
	fs := newFakeServer(t,
		`{"type":"Begin","id":"abc","expires_at":1700000000}`,
		`{"type":"Turn","transcript":"hey","end_of_turn":false}`,
		`{"type":"Turn","transcript":"","end_of_turn":false}`,
		`{"type":"Turn","transcript":"hey assistant","end_of_turn":true}`,
	)
	src := &pipeSource{}
	engine := NewAssemblyAI(src, fs.wsURL(), nil)

	stream, err := engine.Start(context.Background(), testCred())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	q := <-fs.query
	for _, want := range []string{"token=tmp-token", "sample_rate=16000", "encoding=pcm_s16le"} {
		if !strings.Contains(q, want) {
			t.Fatalf("expected %q in query %q", want, q)
		}
	}
	if src.cfg.SampleRate != 16000 || src.cfg.Channels != 1 {
		t.Fatalf("unexpected capture config %+v", src.cfg)
	}

	got := collect(t, stream, 2)
	if got[0].Final || got[0].Text != "hey" {
		t.Fatalf("unexpected interim %+v", got[0])
	}
	if !got[1].Final || got[1].Text != "hey assistant" {
		t.Fatalf("unexpected final %+v", got[1])
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stream.Err() != nil {
		t.Fatalf("local close must not report an error, got %v", stream.Err())
	}
	select {
	case m := <-fs.control:
		if !strings.Contains(m, "Terminate") {
			t.Fatalf("expected terminate, got %q", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected terminate message")
	}
}

func TestAssemblyAI_StreamsCapturedAudio(t *testing.T) {
	fs := newFakeServer(t)
	src := &pipeSource{}
	stream, err := NewAssemblyAI(src, fs.wsURL(), nil).Start(context.Background(), testCred())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	go func() { _, _ = src.writers[0].Write(make([]byte, chunkBytes*2)) }()
	for i := 0; i < 2; i++ {
		select {
		case n := <-fs.binary:
			if n != chunkBytes {
				t.Fatalf("expected %d byte chunks, got %d", chunkBytes, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected audio chunk %d", i)
		}
	}
}

func TestAssemblyAI_ErrorFrameEndsStream(t *testing.T) {
	fs := newFakeServer(t, `{"type":"Error","error":"token expired"}`)
	stream, err := NewAssemblyAI(&pipeSource{}, fs.wsURL(), nil).Start(context.Background(), testCred())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for range stream.Results() {
	}
	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestAssemblyAI_CaptureFailureClosesSocket(t *testing.T) {
	fs := newFakeServer(t)
	_, err := NewAssemblyAI(&pipeSource{err: errors.New("no mic")}, fs.wsURL(), nil).Start(context.Background(), testCred())
	if err == nil || !strings.Contains(err.Error(), "no mic") {
		t.Fatalf("expected capture error, got %v", err)
	}
}

func TestAssemblyAI_RejectsEmptyToken(t *testing.T) {
	if _, err := NewAssemblyAI(&pipeSource{}, "ws://unused", nil).Start(context.Background(), credential.Credential{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestResultStream_EmitAfterCloseIsDropped(t *testing.T) {
	s := newResultStream()
	s.run()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.emit(listener.Result{Text: "late", Final: true}) {
		t.Fatalf("emit after close must be dropped")
	}
	if _, ok := <-s.Results(); ok {
		t.Fatalf("results should be closed")
	}
}
