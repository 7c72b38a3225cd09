package rtc

import (
	"encoding/binary"

	"github.com/charmbracelet/log"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"
)

// rtpReader is the part of a remote track the downlink reads.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// decodeRemoteAudio decodes Opus packets from track into 48kHz mono PCM
// and passes each frame to emit until the track ends.
func decodeRemoteAudio(track rtpReader, emit func(pcm []byte), logger *log.Logger) error {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return err
	}
	// 120ms is the longest Opus frame.
	samples := make([]int16, sampleRate*120/1000)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return err
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			logger.Debug("opus decode", "err", err)
			continue
		}
		out := make([]byte, n*2)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(samples[i]))
		}
		emit(out)
	}
}
