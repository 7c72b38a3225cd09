package rtc

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

const (
	sampleRate = 48000
	// 20ms at 48kHz mono.
	frameSamples = 960
	frameBytes   = frameSamples * 2
	frameLength  = 20 * time.Millisecond
	// Half a second of microphone audio; older frames are dropped past this.
	uplinkQueue = 25
	maxPacket   = 4000
)

// SampleWriter is the part of a local track the uplink needs.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// uplink encodes microphone PCM (48kHz mono s16le) into Opus frames and
// writes them to the track one frame per 20ms tick.
type uplink struct {
	enc   *opus.Encoder
	track SampleWriter
	log   *log.Logger

	mu      sync.Mutex
	pending []int16
	packet  []byte
	closed  bool
	dropped int

	frames chan []byte
	quit   chan struct{}
	done   chan struct{}
}

func newUplink(track SampleWriter, logger *log.Logger) (*uplink, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	u := startUplink(track, uplinkQueue, logger)
	u.enc = enc
	return u, nil
}

func startUplink(track SampleWriter, queue int, logger *log.Logger) *uplink {
	u := &uplink{
		track:  track,
		log:    logging.OrDiscard(logger),
		packet: make([]byte, maxPacket),
		frames: make(chan []byte, queue),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go u.pace()
	return u
}

// WritePCM buffers pcm and queues every complete frame. It fails with
// io.ErrClosedPipe once the uplink is closed.
func (u *uplink) WritePCM(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return io.ErrClosedPipe
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		u.pending = append(u.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	for len(u.pending) >= frameSamples {
		n, err := u.enc.Encode(u.pending[:frameSamples], u.packet)
		if err != nil {
			u.log.Debug("opus encode", "err", err)
		} else if n > 0 {
			u.enqueue(append([]byte(nil), u.packet[:n]...))
		}
		u.pending = append(u.pending[:0], u.pending[frameSamples:]...)
	}
	return nil
}

// enqueue never blocks the capture; when the track falls behind the
// oldest frame goes first.
func (u *uplink) enqueue(pkt []byte) {
	for {
		select {
		case u.frames <- pkt:
			return
		default:
		}
		select {
		case <-u.frames:
			u.dropped++
			if u.dropped == 1 || u.dropped%50 == 0 {
				u.log.Debug("uplink behind, dropping frames", "dropped", u.dropped)
			}
		default:
		}
	}
}

func (u *uplink) pace() {
	defer close(u.done)
	ticker := time.NewTicker(frameLength)
	defer ticker.Stop()
	for {
		select {
		case <-u.quit:
			return
		case <-ticker.C:
			select {
			case frame := <-u.frames:
				if err := u.track.WriteSample(media.Sample{Data: frame, Duration: frameLength}); err != nil {
					u.log.Debug("write sample", "err", err)
				}
			default:
			}
		}
	}
}

// Close stops pacing and discards queued audio. It is idempotent.
func (u *uplink) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.pending = nil
	close(u.quit)
	u.mu.Unlock()

	<-u.done
	for {
		select {
		case <-u.frames:
		default:
			return nil
		}
	}
}
