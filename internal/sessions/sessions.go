// Package sessions creates realtime sessions on Azure OpenAI on behalf of the
// client, so the API key stays on the backend.
package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultVoice = "verse"

var (
	ErrNotConfigured = errors.New("session proxy not configured")
	ErrUpstream      = errors.New("session creation failed")
	ErrBadRequest    = errors.New("invalid session request")
)

// Request is the body of POST /api/sessions.
type Request struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// StatusError is a non-2xx reply from the sessions endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Azure OpenAI API returned %d: %s", e.Status, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.Status }

// Proxy forwards session requests to the configured sessions URL.
type Proxy struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewProxy(url, apiKey string) *Proxy {
	return &Proxy{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: 15 * time.Second}}
}

// Create asks the upstream for a session and returns its JSON reply
// untouched, so fields the client needs (id, client_secret) pass through.
func (p *Proxy) Create(ctx context.Context, r Request) (json.RawMessage, error) {
	if p.URL == "" || p.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(r.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrBadRequest)
	}
	if r.Voice == "" {
		r.Voice = DefaultVoice
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	req.Header.Set("api-key", p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: reply is not JSON", ErrUpstream)
	}
	return json.RawMessage(body), nil
}
