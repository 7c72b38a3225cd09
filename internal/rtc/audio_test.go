package rtc

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples [][]byte
}

func (f *fakeTrack) WriteSample(s media.Sample) error {
	f.mu.Lock()
	f.samples = append(f.samples, s.Data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func waitSamples(t *testing.T, ft *fakeTrack, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for ft.count() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ft.count(); got != want {
		t.Fatalf("expected %d paced samples, got %d", want, got)
	}
}

func TestUplink_PacesQueuedFrames(t *testing.T) {
	ft := &fakeTrack{}
	u := startUplink(ft, 8, nil)
	defer u.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		u.enqueue([]byte{byte(i)})
	}
	waitSamples(t, ft, 3)
	if elapsed := time.Since(start); elapsed < 2*frameLength {
		t.Fatalf("frames written faster than real time: %v", elapsed)
	}
}

func TestUplink_DropsOldestWhenBehind(t *testing.T) {
	u := &uplink{frames: make(chan []byte, 2), log: logging.Discard()}
	u.enqueue([]byte{1})
	u.enqueue([]byte{2})
	u.enqueue([]byte{3})

	first, second := <-u.frames, <-u.frames
	if first[0] != 2 || second[0] != 3 {
		t.Fatalf("expected newest frames kept, got %v %v", first, second)
	}
	if u.dropped != 1 {
		t.Fatalf("expected one dropped frame, got %d", u.dropped)
	}
}

func TestUplink_EncodesWholeFrames(t *testing.T) {
	ft := &fakeTrack{}
	u, err := newUplink(ft, nil)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	defer u.Close()

	// 2.5 frames: two are encoded, half a frame stays buffered.
	if err := u.WritePCM(make([]byte, frameBytes*5/2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	u.mu.Lock()
	buffered := len(u.pending)
	u.mu.Unlock()
	if buffered != frameSamples/2 {
		t.Fatalf("expected half a frame buffered, got %d samples", buffered)
	}
	waitSamples(t, ft, 2)
}

func TestUplink_CloseDiscardsQueueAndRejectsWrites(t *testing.T) {
	ft := &fakeTrack{}
	u, err := newUplink(ft, nil)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	if err := u.WritePCM(make([]byte, frameBytes*10)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = u.Close()
	if len(u.frames) != 0 {
		t.Fatalf("expected queue discarded on close")
	}
	if err := u.WritePCM(make([]byte, frameBytes)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected io.ErrClosedPipe after close, got %v", err)
	}
	written := ft.count()
	time.Sleep(3 * frameLength)
	if ft.count() != written {
		t.Fatalf("pacer kept writing after close")
	}
}
