package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
	"github.com/praveenreddy854/web-rtc-demo/internal/listener"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

const (
	DefaultAssemblyAIURL = "wss://streaming.assemblyai.com/v3/ws"

	sampleRate = 16000
	// 100ms of 16kHz mono s16le.
	chunkBytes = 3200
)

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// AssemblyAI is a listener.Engine backed by AssemblyAI universal streaming.
// Microphone audio is captured from source at 16kHz mono.
type AssemblyAI struct {
	url    string
	source audio.Source
	dialer websocket.Dialer
	log    *log.Logger
}

func NewAssemblyAI(source audio.Source, wsURL string, logger *log.Logger) *AssemblyAI {
	if wsURL == "" {
		wsURL = DefaultAssemblyAIURL
	}
	return &AssemblyAI{
		url:    wsURL,
		source: source,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.OrDiscard(logger).WithPrefix("assemblyai"),
	}
}

// Start connects with the temporary token in cred and begins streaming
// microphone audio.
func (a *AssemblyAI) Start(ctx context.Context, cred credential.Credential) (listener.Stream, error) {
	if cred.Token == "" {
		return nil, errors.New("assemblyai: empty token")
	}
	u, err := url.Parse(a.url)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: bad url: %w", err)
	}
	params := u.Query()
	params.Set("sample_rate", fmt.Sprint(sampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "false")
	params.Set("token", cred.Token)
	u.RawQuery = params.Encode()

	conn, resp, err := a.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to AssemblyAI (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	capture, err := a.source.Start(ctx, audio.Config{SampleRate: sampleRate, Channels: 1})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("microphone: %w", err)
	}

	s := &assemblyStream{
		resultStream: newResultStream(),
		conn:         conn,
		audio:        make(chan []byte, 64),
		log:          a.log,
	}
	s.onStop = append(s.onStop, func() { _ = capture.Stop() })
	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.pump(capture)
	s.run()

	go func() {
		select {
		case <-ctx.Done():
			s.fail(nil)
		case <-s.quit:
		}
	}()
	return s, nil
}

type assemblyStream struct {
	*resultStream
	conn  *websocket.Conn
	audio chan []byte
	log   *log.Logger
}

func (s *assemblyStream) pump(capture audio.Session) {
	defer s.wg.Done()
	err := audio.Pump(capture, chunkBytes, func(chunk []byte) error {
		select {
		case s.audio <- chunk:
			return nil
		case <-s.quit:
			return errStreamClosed
		}
	})
	select {
	case <-s.quit:
		return
	default:
	}
	if err != nil && !errors.Is(err, errStreamClosed) {
		s.fail(err)
		return
	}
	s.fail(errors.New("microphone capture ended"))
}

func (s *assemblyStream) writeLoop() {
	defer s.wg.Done()
	defer s.conn.Close()
	for {
		select {
		case <-s.quit:
			_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
			return
		case chunk := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.fail(fmt.Errorf("failed to send audio: %w", err))
				return
			}
		}
	}
}

func (s *assemblyStream) readLoop() {
	defer s.wg.Done()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.fail(nil)
				return
			}
			s.fail(fmt.Errorf("assemblyai read: %w", err))
			return
		}
		if done := s.processMessage(message); done {
			return
		}
	}
}

// processMessage handles one server frame and reports whether the session is over.
func (s *assemblyStream) processMessage(message []byte) bool {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warn("bad message", "err", err)
		return false
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return false
		}
		s.log.Info("session began", "id", msg.ID, "expires", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn("bad turn message", "err", err)
			return false
		}
		if msg.Transcript == "" {
			return false
		}
		if !s.emit(listener.Result{Text: msg.Transcript, Final: msg.EndOfTurn}) {
			return true
		}
	case "Termination":
		var msg TerminationMessage
		_ = json.Unmarshal(message, &msg)
		s.log.Info("session terminated", "audio_s", msg.AudioDurationSeconds, "session_s", msg.SessionDurationSeconds)
		s.fail(errors.New("assemblyai session terminated"))
		return true
	case "Error":
		var msg ErrorMessage
		_ = json.Unmarshal(message, &msg)
		s.fail(fmt.Errorf("assemblyai: %s", msg.Error))
		return true
	default:
		s.log.Debug("unknown message type", "type", base.Type)
	}
	return false
}
