package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProxy_Create(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api-key"); got != "az-key" {
			t.Errorf("unexpected api-key %q", got)
		}
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o-mini-realtime-preview" || req.Voice != DefaultVoice {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_1"}}`))
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "az-key")
	out, err := p.Create(context.Background(), Request{Model: "gpt-4o-mini-realtime-preview"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var got struct {
		ID           string `json:"id"`
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(out, &got); err != nil || got.ID != "sess_1" || got.ClientSecret.Value != "ek_1" {
		t.Fatalf("unexpected reply %s (%v)", out, err)
	}
}

func TestProxy_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewProxy(srv.URL, "k").Create(context.Background(), Request{Model: "m", Voice: "alloy"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestProxy_Validation(t *testing.T) {
	if _, err := (&Proxy{}).Create(context.Background(), Request{Model: "m"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewProxy("http://example.invalid", "k").Create(context.Background(), Request{}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}
