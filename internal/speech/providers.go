package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAssemblyAIURL = "https://streaming.assemblyai.com/v3/token"
	DefaultDeepgramURL   = "https://api.deepgram.com/v1"
	DefaultAzureRegion   = "eastus"

	assemblyMaxTTL = 600
	deepgramMaxTTL = 3600
)

// AssemblyAI issues temporary streaming tokens.
type AssemblyAI struct {
	APIKey  string
	TTL     time.Duration
	BaseURL string
	Client  *http.Client
}

func (a *AssemblyAI) Name() string { return "assemblyai" }

func (a *AssemblyAI) Issue(ctx context.Context) (Token, error) {
	base := a.BaseURL
	if base == "" {
		base = DefaultAssemblyAIURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return Token{}, fmt.Errorf("%w: assemblyai: %w", ErrIssue, err)
	}
	ttl := ttlSeconds(a.TTL, assemblyMaxTTL)
	q := u.Query()
	q.Set("expires_in_seconds", strconv.Itoa(ttl))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Token{}, fmt.Errorf("%w: assemblyai: %w", ErrIssue, err)
	}
	req.Header.Set("Authorization", a.APIKey)

	body, err := do(a.Client, a.Name(), req)
	if err != nil {
		return Token{}, err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return Token{}, fmt.Errorf("%w: assemblyai: malformed reply", ErrIssue)
	}
	return Token{Token: out.Token, ExpiresIn: ttl}, nil
}

// Azure exchanges a subscription key for an STS token. Azure does not report
// a lifetime; its tokens last ten minutes.
type Azure struct {
	Key    string
	Region string
	// Endpoint overrides the regional issueToken URL.
	Endpoint string
	Client   *http.Client
}

func (a *Azure) Name() string { return "azure" }

func (a *Azure) region() string {
	if a.Region == "" {
		return DefaultAzureRegion
	}
	return a.Region
}

func (a *Azure) Issue(ctx context.Context) (Token, error) {
	endpoint := a.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", a.region())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("%w: azure: %w", ErrIssue, err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.Key)
	req.Header.Set("Content-Type", "application/json")

	body, err := do(a.Client, a.Name(), req)
	if err != nil {
		return Token{}, err
	}
	tok := strings.TrimSpace(string(body))
	if tok == "" {
		return Token{}, fmt.Errorf("%w: azure: empty token", ErrIssue)
	}
	return Token{Token: tok, Region: a.region()}, nil
}

// Deepgram creates a short-lived project key scoped to streaming usage.
type Deepgram struct {
	APIKey    string
	ProjectID string
	TTL       time.Duration
	BaseURL   string
	Client    *http.Client
}

func (d *Deepgram) Name() string { return "deepgram" }

type deepgramKeyRequest struct {
	Comment             string   `json:"comment"`
	Scopes              []string `json:"scopes"`
	TimeToLiveInSeconds int      `json:"time_to_live_in_seconds"`
}

func (d *Deepgram) Issue(ctx context.Context) (Token, error) {
	base := d.BaseURL
	if base == "" {
		base = DefaultDeepgramURL
	}
	ttl := ttlSeconds(d.TTL, deepgramMaxTTL)
	payload, err := json.Marshal(deepgramKeyRequest{
		Comment:             "voice assistant listener",
		Scopes:              []string{"usage:write"},
		TimeToLiveInSeconds: ttl,
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: deepgram: %w", ErrIssue, err)
	}
	endpoint := strings.TrimRight(base, "/") + "/projects/" + url.PathEscape(d.ProjectID) + "/keys"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("%w: deepgram: %w", ErrIssue, err)
	}
	req.Header.Set("Authorization", "Token "+d.APIKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := do(d.Client, d.Name(), req)
	if err != nil {
		return Token{}, err
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Key == "" {
		return Token{}, fmt.Errorf("%w: deepgram: malformed reply", ErrIssue)
	}
	return Token{Token: out.Key, ExpiresIn: ttl}, nil
}
