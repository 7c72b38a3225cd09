package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/praveenreddy854/web-rtc-demo/internal/config"
	"github.com/praveenreddy854/web-rtc-demo/internal/httpserver"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
	"github.com/praveenreddy854/web-rtc-demo/internal/sessions"
	"github.com/praveenreddy854/web-rtc-demo/internal/speech"
)

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Token backend for the voice assistant",
	Long:         `Issues short-lived speech credentials and creates realtime sessions so provider keys never reach the client.`,
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

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	// A misconfigured provider still serves /api/sessions; the token route reports it.
	issuer, err := speech.NewIssuer(speech.Settings{
		Provider:          cfg.SpeechProvider,
		AssemblyAIKey:     cfg.AssemblyAIKey,
		AzureKey:          cfg.AzureSpeechKey,
		AzureRegion:       cfg.AzureSpeechRegion,
		DeepgramKey:       cfg.DeepgramKey,
		DeepgramProjectID: cfg.DeepgramProjectID,
		TTL:               cfg.SpeechTokenTTL,
	})
	if err != nil {
		logger.Warn("speech tokens unavailable", "err", err)
	}
	var proxy httpserver.SessionCreator
	if cfg.SessionsURL != "" {
		proxy = sessions.NewProxy(cfg.SessionsURL, cfg.OpenAIKey)
	} else {
		logger.Warn("AZURE_OPENAI_SESSIONS_URL is empty; /api/sessions will fail")
	}

	srv := httpserver.New(httpserver.Deps{
		Issuer:    issuer,
		Sessions:  proxy,
		RateLimit: cfg.RateLimitRPS,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddress, "speech_provider", cfg.SpeechProvider)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			return err
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = server.Close()
	}
	return nil
}
