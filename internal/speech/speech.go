// Package speech issues short-lived speech-recognition credentials so that
// provider secrets never leave the backend.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrIssue         = errors.New("speech token issue failed")
	ErrNotConfigured = errors.New("speech provider not configured")
)

// Token is the body of GET /api/get-speech-token. ExpiresIn is zero when the
// provider does not report a lifetime.
type Token struct {
	Token     string `json:"token"`
	Region    string `json:"region,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// Issuer mints a credential from one provider.
type Issuer interface {
	Name() string
	Issue(ctx context.Context) (Token, error)
}

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Body)
}

// HTTPStatus is the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.Status }

// Settings select and configure an issuer.
type Settings struct {
	Provider          string
	AssemblyAIKey     string
	AzureKey          string
	AzureRegion       string
	DeepgramKey       string
	DeepgramProjectID string
	TTL               time.Duration
	Client            *http.Client
}

// NewIssuer returns the issuer for s.Provider.
func NewIssuer(s Settings) (Issuer, error) {
	switch strings.ToLower(s.Provider) {
	case "assemblyai", "":
		if s.AssemblyAIKey == "" {
			return nil, fmt.Errorf("%w: ASSEMBLYAI_API_KEY is empty", ErrNotConfigured)
		}
		return &AssemblyAI{APIKey: s.AssemblyAIKey, TTL: s.TTL, Client: s.Client}, nil
	case "azure":
		if s.AzureKey == "" {
			return nil, fmt.Errorf("%w: AZURE_SPEECH_KEY is empty", ErrNotConfigured)
		}
		return &Azure{Key: s.AzureKey, Region: s.AzureRegion, Client: s.Client}, nil
	case "deepgram":
		if s.DeepgramKey == "" || s.DeepgramProjectID == "" {
			return nil, fmt.Errorf("%w: DEEPGRAM_API_KEY and DEEPGRAM_PROJECT_ID are required", ErrNotConfigured)
		}
		return &Deepgram{APIKey: s.DeepgramKey, ProjectID: s.DeepgramProjectID, TTL: s.TTL, Client: s.Client}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, s.Provider)
	}
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// do runs req and returns the body of a 2xx reply.
func do(client *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := httpClient(client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIssue, provider, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIssue, provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %w", ErrIssue, &StatusError{
			Provider: provider,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(body)),
		})
	}
	return body, nil
}

// ttlSeconds clamps d to [1, limit] seconds.
func ttlSeconds(d time.Duration, limit int) int {
	s := int(d / time.Second)
	if s <= 0 || s > limit {
		return limit
	}
	return s
}
