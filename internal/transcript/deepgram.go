package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
	"github.com/praveenreddy854/web-rtc-demo/internal/listener"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

// Deepgram is a listener.Engine backed by Deepgram live transcription.
// The credential token is a short-lived Deepgram key.
type Deepgram struct {
	source audio.Source
	model  string
	log    *log.Logger
}

func NewDeepgram(source audio.Source, model string, logger *log.Logger) *Deepgram {
	if model == "" {
		model = "nova-2"
	}
	return &Deepgram{source: source, model: model, log: logging.OrDiscard(logger).WithPrefix("deepgram")}
}

func (d *Deepgram) Start(ctx context.Context, cred credential.Credential) (listener.Stream, error) {
	if cred.Token == "" {
		return nil, errors.New("deepgram: empty key")
	}
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       "en-US",
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     sampleRate,
		SmartFormat:    true,
		InterimResults: true,
	}

	s := newResultStream()
	client, err := listen.NewWSUsingCallback(ctx, cred.Token, cOptions, tOptions, &deepgramCallback{stream: s, log: d.log})
	if err != nil {
		return nil, fmt.Errorf("error creating LiveTranscription connection: %w", err)
	}
	if !client.Connect() {
		return nil, errors.New("deepgram: connect failed")
	}

	capture, err := d.source.Start(ctx, audio.Config{SampleRate: sampleRate, Channels: 1})
	if err != nil {
		client.Stop()
		return nil, fmt.Errorf("microphone: %w", err)
	}
	s.onStop = append(s.onStop, func() {
		_ = capture.Stop()
		client.Stop()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := audio.Pump(capture, chunkBytes, func(chunk []byte) error {
			select {
			case <-s.quit:
				return errStreamClosed
			default:
			}
			return client.WriteBinary(chunk)
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
	}()
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

// deepgramCallback receives SDK callbacks and turns them into results.
type deepgramCallback struct {
	stream *resultStream
	log    *log.Logger
}

func (c *deepgramCallback) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	sentence := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if sentence == "" {
		return nil
	}
	c.stream.emit(listener.Result{Text: sentence, Final: mr.IsFinal})
	return nil
}

func (c *deepgramCallback) Open(ocr *api.OpenResponse) error {
	c.log.Info("connection opened")
	return nil
}

func (c *deepgramCallback) Metadata(md *api.MetadataResponse) error {
	c.log.Debug("metadata", "metadata", md)
	return nil
}

func (c *deepgramCallback) SpeechStarted(ssr *api.SpeechStartedResponse) error {
	return nil
}

func (c *deepgramCallback) UtteranceEnd(ur *api.UtteranceEndResponse) error {
	return nil
}

func (c *deepgramCallback) Close(ocr *api.CloseResponse) error {
	c.log.Info("connection closed")
	c.stream.fail(errors.New("deepgram connection closed"))
	return nil
}

func (c *deepgramCallback) Error(er *api.ErrorResponse) error {
	c.log.Error("deepgram error", "type", er.Type, "description", er.Description)
	c.stream.fail(fmt.Errorf("deepgram: %s: %s", er.Type, er.Description))
	return nil
}

func (c *deepgramCallback) UnhandledEvent(byData []byte) error {
	c.log.Debug("unhandled event", "data", string(byData))
	return nil
}
