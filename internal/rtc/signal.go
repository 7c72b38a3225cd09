package rtc

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

// Grant is a one-time realtime session grant.
type Grant struct {
	SessionID    string
	EphemeralKey string
}

// Signaller obtains grants and exchanges SDP with the realtime endpoint.
type Signaller interface {
	FetchSessionGrant(ctx context.Context, model, voice string) (Grant, error)
	Negotiate(ctx context.Context, offerSDP string, grant Grant) (string, error)
}

// HTTPSignaller fetches grants from the token backend and posts offers
// to the realtime signalling URL.
type HTTPSignaller struct {
	BackendURL string
	WebRTCURL  string
	Client     *http.Client
}

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (h *HTTPSignaller) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 20 * time.Second}
}

func (h *HTTPSignaller) FetchSessionGrant(ctx context.Context, model, voice string) (Grant, error) {
	body, err := json.Marshal(sessionRequest{Model: model, Voice: voice})
	if err != nil {
		return Grant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.BackendURL, "/")+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return Grant{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Grant{}, fmt.Errorf("sessions endpoint status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Grant{}, fmt.Errorf("decode session response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return Grant{}, errors.New("missing ephemeral key")
	}
	return Grant{SessionID: sr.ID, EphemeralKey: sr.ClientSecret.Value}, nil
}

func (h *HTTPSignaller) Negotiate(ctx context.Context, offerSDP string, grant Grant) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.WebRTCURL, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+grant.EphemeralKey)
	req.Header.Set("Session-Id", grant.SessionID)
	req.Header.Set("Content-Type", "application/sdp")
	resp, err := h.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("signalling status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(answer)) == 0 {
		return "", errors.New("empty answer")
	}
	return string(answer), nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(b))
}
