package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/praveenreddy854/web-rtc-demo/internal/audio"
	"github.com/praveenreddy854/web-rtc-demo/internal/config"
	"github.com/praveenreddy854/web-rtc-demo/internal/coordinator"
	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
	"github.com/praveenreddy854/web-rtc-demo/internal/listener"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
	"github.com/praveenreddy854/web-rtc-demo/internal/rtc"
	"github.com/praveenreddy854/web-rtc-demo/internal/transcript"
	"github.com/praveenreddy854/web-rtc-demo/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Wake-phrase voice assistant",
	Long: `Listens for a wake phrase, opens a realtime voice session over WebRTC,
and ends it on a stop phrase, a remote close or a timeout.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newEngine(cfg config.Config, capture audio.Source, logger *log.Logger) (listener.Engine, error) {
	switch cfg.Recognizer {
	case "assemblyai":
		return transcript.NewAssemblyAI(capture, cfg.RecognizerURL, logger), nil
	case "deepgram":
		return transcript.NewDeepgram(capture, "", logger), nil
	default:
		return nil, fmt.Errorf("unknown recognizer %q", cfg.Recognizer)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	capture := audio.NewFFmpegCapture(cfg.CaptureCommand, cfg.CaptureFormat, cfg.CaptureDevice)
	engine, err := newEngine(cfg, capture, logger)
	if err != nil {
		return err
	}
	backend := &http.Client{Timeout: 15 * time.Second}

	cache := credential.NewCache(&credential.HTTPFetcher{BaseURL: cfg.BackendURL, Client: backend}, credential.Options{
		SafetyMargin: cfg.CredentialSafetyMargin,
		DefaultTTL:   cfg.CredentialDefaultTTL,
		Logger:       logger,
	})
	wake := listener.New("wake", engine, listener.NewPhraseSet(cfg.WakePhrases...), logger)
	stop := listener.New("stop", engine, listener.NewPhraseSet(cfg.StopPhrases...), logger)

	client := rtc.NewClient(&rtc.HTTPSignaller{
		BackendURL: cfg.BackendURL,
		WebRTCURL:  cfg.WebRTCURL,
		Client:     backend,
	}, rtc.Options{
		Model:      cfg.Deployment,
		Voice:      cfg.Voice,
		ICEServers: rtc.ParseICEServers(cfg.ICEServersJSON),
		Capture:    capture,
		Logger:     logger,
	})

	hub := ui.NewHub(logger)
	coord := coordinator.New(coordinator.Deps{
		Credentials: cache,
		Wake:        wake,
		Stop:        stop,
		Sessions: coordinator.OpenerFunc(func(ctx context.Context) (coordinator.Session, error) {
			s, err := client.Open(ctx)
			if err != nil {
				return nil, err
			}
			return s, nil
		}),
		Speaker:  audio.NewPlayer(cfg.PlayerCommand),
		Observer: hub,
	}, coordinator.Options{
		SessionTimeout:     cfg.SessionTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		WakeRetryDelay:     cfg.WakeRetryDelay,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:              cfg.UIAddress,
		Handler:           ui.New(coord, hub, cfg.UIPassword, logger).Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error {
		logger.Info("control surface listening", "addr", cfg.UIAddress, "recognizer", cfg.Recognizer)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.AutoEnable {
		g.Go(func() error {
			if err := coord.Enable(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, coordinator.ErrStopped) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("assistant stopped")
	return err
}
