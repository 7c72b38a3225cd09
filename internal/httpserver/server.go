package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
	"github.com/praveenreddy854/web-rtc-demo/internal/sessions"
	"github.com/praveenreddy854/web-rtc-demo/internal/speech"
)

// SessionCreator creates realtime sessions upstream. *sessions.Proxy satisfies it.
type SessionCreator interface {
	Create(ctx context.Context, r sessions.Request) (json.RawMessage, error)
}

// Deps are the backend's collaborators. A nil Issuer means no speech
// provider is configured.
type Deps struct {
	Issuer   speech.Issuer
	Sessions SessionCreator
	// RateLimit is the per-client request rate on /api. Zero disables it.
	RateLimit float64
	Logger    *log.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler

	deps Deps
	log  *log.Logger
}

// New constructs the backend with routes.
func New(deps Deps) *Server {
	s := &Server{deps: deps, log: logging.OrDiscard(deps.Logger).WithPrefix("http")}
	e := NewRouter()

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("/api")
	if deps.RateLimit > 0 {
		api.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(deps.RateLimit))))
	}
	api.GET("/get-speech-token", s.speechToken)
	api.POST("/sessions", s.createSession)

	s.Router = e
	return s
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// upstreamStatus returns the provider's status when err carries one.
func upstreamStatus(err error, fallback int) int {
	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) {
		if st := se.HTTPStatus(); st >= 400 && st <= 599 {
			return st
		}
	}
	return fallback
}

func (s *Server) speechToken(c echo.Context) error {
	if s.deps.Issuer == nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "speech provider is not configured"})
	}
	tok, err := s.deps.Issuer.Issue(c.Request().Context())
	if err != nil {
		s.log.Error("speech token", "provider", s.deps.Issuer.Name(), "err", err)
		return c.JSON(upstreamStatus(err, http.StatusInternalServerError), errorBody{
			Error:   "Error retrieving token",
			Details: err.Error(),
		})
	}
	s.log.Debug("speech token issued", "provider", s.deps.Issuer.Name(), "expires_in", tok.ExpiresIn)
	return c.JSON(http.StatusOK, tok)
}

func (s *Server) createSession(c echo.Context) error {
	var req sessions.Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
	}
	if s.deps.Sessions == nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: sessions.ErrNotConfigured.Error()})
	}
	s.log.Info("creating session", "model", req.Model, "voice", req.Voice)
	out, err := s.deps.Sessions.Create(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSONBlob(http.StatusOK, out)
	case errors.Is(err, sessions.ErrBadRequest):
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.log.Error("create session", "err", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}
