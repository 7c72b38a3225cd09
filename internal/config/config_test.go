package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("DEPLOYMENT", "")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != ":3000" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.Deployment != "gpt-4o-mini-realtime-preview" {
		t.Fatalf("expected default deployment, got %q", cfg.Deployment)
	}
	if cfg.SessionTimeout != 60*time.Second {
		t.Fatalf("expected 60s session timeout, got %s", cfg.SessionTimeout)
	}
	if cfg.CredentialSafetyMargin != 60*time.Second || cfg.CredentialDefaultTTL != 9*time.Minute {
		t.Fatalf("unexpected credential defaults: %s %s", cfg.CredentialSafetyMargin, cfg.CredentialDefaultTTL)
	}
	if len(cfg.WakePhrases) != 5 || cfg.WakePhrases[3] != "hey, assistant" {
		t.Fatalf("unexpected wake phrases: %q", cfg.WakePhrases)
	}
	if len(cfg.StopPhrases) != 1 || cfg.StopPhrases[0] != "stop" {
		t.Fatalf("unexpected stop phrases: %q", cfg.StopPhrases)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "90s")
	t.Setenv("WAKE_PHRASES", "computer; hey computer ;")
	t.Setenv("BACKEND_URL", "http://backend:3000/")
	t.Setenv("AUTO_ENABLE", "true")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionTimeout != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.SessionTimeout)
	}
	if len(cfg.WakePhrases) != 2 || cfg.WakePhrases[1] != "hey computer" {
		t.Fatalf("unexpected wake phrases: %q", cfg.WakePhrases)
	}
	if cfg.BackendURL != "http://backend:3000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BackendURL)
	}
	if !cfg.AutoEnable {
		t.Fatalf("expected auto enable")
	}
}

func TestLoad_FlagsWinOverEnv(t *testing.T) {
	t.Setenv("VOICE", "alloy")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--voice", "verse", "--session-timeout", "5s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Voice != "verse" {
		t.Fatalf("expected flag voice, got %q", cfg.Voice)
	}
	if cfg.SessionTimeout != 5*time.Second {
		t.Fatalf("expected flag timeout, got %s", cfg.SessionTimeout)
	}
}

func TestLoad_RejectsUnknownRecognizer(t *testing.T) {
	t.Setenv("RECOGNIZER", "whisper")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected error for unknown recognizer")
	}
}
