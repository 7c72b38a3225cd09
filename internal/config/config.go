package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration for both the token backend and the assistant client.
type Config struct {
	LogLevel string

	// Backend.
	HTTPAddress       string
	SessionsURL       string
	OpenAIKey         string
	SpeechProvider    string
	AssemblyAIKey     string
	AzureSpeechKey    string
	AzureSpeechRegion string
	DeepgramKey       string
	DeepgramProjectID string
	SpeechTokenTTL    time.Duration
	RateLimitRPS      float64

	// Assistant client.
	UIAddress              string
	UIPassword             string
	BackendURL             string
	Recognizer             string
	RecognizerURL          string
	Deployment             string
	Voice                  string
	WebRTCURL              string
	ICEServersJSON         string
	WakePhrases            []string
	StopPhrases            []string
	SessionTimeout         time.Duration
	NegotiationTimeout     time.Duration
	CredentialSafetyMargin time.Duration
	CredentialDefaultTTL   time.Duration
	WakeRetryDelay         time.Duration
	AutoEnable             bool
	CaptureCommand         string
	CaptureFormat          string
	CaptureDevice          string
	PlayerCommand          string
}

const (
	DefaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	DefaultWakePhrases    = "assistant;hey assistant;ok assistant;hey, assistant;okay assistant"
	DefaultStopPhrases    = "stop"
)

var defaults = map[string]any{
	"log_level":                "info",
	"http_address":             ":3000",
	"speech_provider":          "assemblyai",
	"azure_speech_region":      "eastus",
	"speech_token_ttl":         "10m",
	"rate_limit_rps":           5.0,
	"ui_address":               "127.0.0.1:8089",
	"backend_url":              "http://localhost:3000",
	"recognizer":               "assemblyai",
	"deployment":               "gpt-4o-mini-realtime-preview",
	"voice":                    "verse",
	"webrtc_url":               "https://eastus2.realtimeapi-preview.ai.azure.com/v1/realtimertc",
	"ice_servers_json":         DefaultICEServersJSON,
	"wake_phrases":             DefaultWakePhrases,
	"stop_phrases":             DefaultStopPhrases,
	"session_timeout":          "60s",
	"negotiation_timeout":      "30s",
	"credential_safety_margin": "60s",
	"credential_default_ttl":   "9m",
	"wake_retry_delay":         "5s",
	"auto_enable":              false,
	"capture_command":          "ffmpeg",
	"capture_format":           "pulse",
	"capture_device":           "default",
	"player_command":           "ffplay",
}

// RegisterFlags adds the command-line overrides Load knows how to bind.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("http-address", ":3000", "backend listen address")
	fs.String("speech-provider", "assemblyai", "speech token issuer: assemblyai, azure or deepgram")
	fs.String("ui-address", "127.0.0.1:8089", "assistant control surface address")
	fs.String("ui-password", "", "shared secret for the control surface")
	fs.String("backend-url", "http://localhost:3000", "token backend base URL")
	fs.String("recognizer", "assemblyai", "speech recognizer: assemblyai or deepgram")
	fs.String("deployment", "gpt-4o-mini-realtime-preview", "realtime model deployment")
	fs.String("voice", "verse", "realtime voice")
	fs.String("webrtc-url", "https://eastus2.realtimeapi-preview.ai.azure.com/v1/realtimertc", "realtime signalling URL")
	fs.String("wake-phrases", DefaultWakePhrases, "semicolon separated wake phrases")
	fs.String("stop-phrases", DefaultStopPhrases, "semicolon separated stop phrases")
	fs.Duration("session-timeout", 60*time.Second, "fallback auto-end for a session (0 disables)")
	fs.Bool("auto-enable", false, "start listening for the wake phrase on startup")
}

// Load reads .env, environment variables and any bound flags. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	cfg := Config{
		LogLevel:          v.GetString("log_level"),
		HTTPAddress:       v.GetString("http_address"),
		SessionsURL:       v.GetString("azure_openai_sessions_url"),
		OpenAIKey:         v.GetString("azure_openai_api_key"),
		SpeechProvider:    strings.ToLower(v.GetString("speech_provider")),
		AssemblyAIKey:     v.GetString("assemblyai_api_key"),
		AzureSpeechKey:    v.GetString("azure_speech_key"),
		AzureSpeechRegion: v.GetString("azure_speech_region"),
		DeepgramKey:       v.GetString("deepgram_api_key"),
		DeepgramProjectID: v.GetString("deepgram_project_id"),
		SpeechTokenTTL:    v.GetDuration("speech_token_ttl"),
		RateLimitRPS:      v.GetFloat64("rate_limit_rps"),

		UIAddress:              v.GetString("ui_address"),
		UIPassword:             v.GetString("ui_password"),
		BackendURL:             strings.TrimRight(v.GetString("backend_url"), "/"),
		Recognizer:             strings.ToLower(v.GetString("recognizer")),
		RecognizerURL:          v.GetString("recognizer_url"),
		Deployment:             v.GetString("deployment"),
		Voice:                  v.GetString("voice"),
		WebRTCURL:              v.GetString("webrtc_url"),
		ICEServersJSON:         v.GetString("ice_servers_json"),
		WakePhrases:            SplitList(v.GetString("wake_phrases")),
		StopPhrases:            SplitList(v.GetString("stop_phrases")),
		SessionTimeout:         v.GetDuration("session_timeout"),
		NegotiationTimeout:     v.GetDuration("negotiation_timeout"),
		CredentialSafetyMargin: v.GetDuration("credential_safety_margin"),
		CredentialDefaultTTL:   v.GetDuration("credential_default_ttl"),
		WakeRetryDelay:         v.GetDuration("wake_retry_delay"),
		AutoEnable:             v.GetBool("auto_enable"),
		CaptureCommand:         v.GetString("capture_command"),
		CaptureFormat:          v.GetString("capture_format"),
		CaptureDevice:          v.GetString("capture_device"),
		PlayerCommand:          v.GetString("player_command"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects option values that have no defined effect.
func (c Config) Validate() error {
	switch c.SpeechProvider {
	case "assemblyai", "azure", "deepgram":
	default:
		return fmt.Errorf("unknown speech provider %q", c.SpeechProvider)
	}
	switch c.Recognizer {
	case "assemblyai", "deepgram":
	default:
		return fmt.Errorf("unknown recognizer %q", c.Recognizer)
	}
	if len(c.WakePhrases) == 0 {
		return errors.New("at least one wake phrase is required")
	}
	if len(c.StopPhrases) == 0 {
		return errors.New("at least one stop phrase is required")
	}
	if c.SessionTimeout < 0 || c.NegotiationTimeout < 0 || c.WakeRetryDelay < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// SplitList splits a semicolon separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
