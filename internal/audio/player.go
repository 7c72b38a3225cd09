package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Sink consumes decoded PCM audio.
type Sink interface {
	WritePCM(pcm []byte) error
	Close() error
}

// Player launches an external program that plays s16le PCM from stdin.
type Player struct {
	command string
}

func NewPlayer(command string) *Player {
	if command == "" {
		command = "ffplay"
	}
	return &Player{command: command}
}

// Open starts the player process for a mono or stereo stream at sampleRate.
func (p *Player) Open(ctx context.Context, sampleRate, channels int) (Sink, error) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	cmd := exec.CommandContext(ctx, p.command, playerArgs(p.command, sampleRate, channels)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create player stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start player: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()
	return &playerSink{stdin: stdin, stderr: &stderr, done: done}, nil
}

func playerArgs(command string, sampleRate, channels int) []string {
	rate, ch := strconv.Itoa(sampleRate), strconv.Itoa(channels)
	switch filepath.Base(command) {
	case "aplay":
		return []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch, "-"}
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "warning", "-f", "s16le", "-ar", rate, "-ch_layout", channelLayout(channels), "-i", "-"}
	default:
		return []string{"-f", "s16le", "-ar", rate, "-ac", ch, "-"}
	}
}

func channelLayout(channels int) string {
	if channels == 2 {
		return "stereo"
	}
	return "mono"
}

type playerSink struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	done   <-chan error
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func (s *playerSink) WritePCM(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("player closed")
	}
	_, err := s.stdin.Write(pcm)
	return err
}

func (s *playerSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		_ = s.stdin.Close()
		s.mu.Unlock()
		select {
		case err, ok := <-s.done:
			if ok {
				s.closeErr = normalizeStopErr(err)
			}
		case <-time.After(2 * time.Second):
			s.closeErr = errors.New("player did not exit")
		}
		if s.closeErr != nil && s.stderr.Len() > 0 {
			s.closeErr = fmt.Errorf("%w: %s", s.closeErr, trimSpace(s.stderr.String()))
		}
	})
	return s.closeErr
}
