package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Pump reads fixed-size chunks from src and hands each to send until src
// ends. EOF and a closed source are a normal end.
func Pump(src io.Reader, chunkSize int, send func([]byte) error) error {
	if chunkSize < 256 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := send(chunk); sendErr != nil {
				return fmt.Errorf("failed to stream audio: %w", sendErr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("audio capture error: %w", err)
		}
	}
}
