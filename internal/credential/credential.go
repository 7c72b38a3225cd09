package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
)

// ErrFetch is returned when a credential cannot be obtained from the backend.
var ErrFetch = errors.New("credential fetch failed")

const (
	DefaultSafetyMargin = 60 * time.Second
	DefaultTTL          = 9 * time.Minute
)

// Credential is a short-lived speech recognition token.
type Credential struct {
	Token    string
	Region   string
	IssuedAt time.Time
	TTL      time.Duration
}

// ExpiresAt is the instant the credential stops being accepted.
func (c Credential) ExpiresAt() time.Time { return c.IssuedAt.Add(c.TTL) }

// Valid reports whether the credential can still be handed out at now
// while leaving margin before expiry.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Add(margin).Before(c.ExpiresAt())
}

// Grant is the backend's token response.
type Grant struct {
	Token     string `json:"token"`
	Region    string `json:"region"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// Fetcher obtains a fresh grant from the backend.
type Fetcher interface {
	FetchCredential(ctx context.Context) (Grant, error)
}

// HTTPFetcher calls GET {BaseURL}/api/get-speech-token.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func (f *HTTPFetcher) FetchCredential(ctx context.Context) (Grant, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.BaseURL, "/")+"/api/get-speech-token", nil)
	if err != nil {
		return Grant{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Grant{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Grant{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var g Grant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return Grant{}, fmt.Errorf("decode token response: %w", err)
	}
	return g, nil
}

// Options tunes a Cache. Zero values take the package defaults.
type Options struct {
	SafetyMargin time.Duration
	DefaultTTL   time.Duration
	Now          func() time.Time
	Logger       *log.Logger
}

// Cache hands out a credential until it is within the safety margin of
// expiry, then refreshes it. Concurrent misses share one backend call.
type Cache struct {
	fetcher    Fetcher
	margin     time.Duration
	defaultTTL time.Duration
	now        func() time.Time
	log        *log.Logger

	mu    sync.Mutex
	cur   *Credential
	group singleflight.Group
}

func NewCache(f Fetcher, opts Options) *Cache {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		fetcher:    f,
		margin:     opts.SafetyMargin,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		log:        logging.OrDiscard(opts.Logger),
	}
}

// Get returns a valid credential, fetching a new one if needed. A failed
// refresh never falls back to the stale credential.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	if cred, ok := c.cached(); ok {
		return cred, nil
	}
	// The shared fetch outlives any single caller's cancellation.
	ch := c.group.DoChan("credential", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Credential{}, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Credential{}, r.Err
		}
		return r.Val.(Credential), nil
	}
}

// Invalidate drops the cached credential so the next Get fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}

func (c *Cache) cached() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.Valid(c.now(), c.margin) {
		return *c.cur, true
	}
	return Credential{}, false
}

func (c *Cache) refresh(ctx context.Context) (Credential, error) {
	// Another caller may have refreshed while this one waited on the group.
	if cred, ok := c.cached(); ok {
		return cred, nil
	}
	g, err := c.fetcher.FetchCredential(ctx)
	if err != nil {
		c.log.Warn("credential refresh failed", "err", err)
		return Credential{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if strings.TrimSpace(g.Token) == "" {
		return Credential{}, fmt.Errorf("%w: empty token", ErrFetch)
	}
	ttl := c.defaultTTL
	if g.ExpiresIn > 0 {
		ttl = time.Duration(g.ExpiresIn) * time.Second
	}
	cred := Credential{Token: g.Token, Region: g.Region, IssuedAt: c.now(), TTL: ttl}
	c.mu.Lock()
	c.cur = &cred
	c.mu.Unlock()
	c.log.Debug("credential refreshed", "region", cred.Region, "expires", cred.ExpiresAt().Format(time.RFC3339))
	return cred, nil
}
