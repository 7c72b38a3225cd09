package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/praveenreddy854/web-rtc-demo/internal/coordinator"
	"github.com/praveenreddy854/web-rtc-demo/internal/httpserver"
	"github.com/praveenreddy854/web-rtc-demo/internal/logging"
	"github.com/praveenreddy854/web-rtc-demo/internal/rtc"
)

// Controller is the part of *coordinator.Coordinator the control surface drives.
type Controller interface {
	Enable(ctx context.Context) error
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	SendChat(ctx context.Context, text string) error
	Snapshot() coordinator.Snapshot
}

const commandTimeout = 5 * time.Second

var (
	errUnknownCommand = errors.New("unknown command")
	errEmptyMessage   = errors.New("empty message")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The surface binds to localhost by default.
		return true
	},
}

// Server serves the control surface.
type Server struct {
	Router http.Handler

	ctrl     Controller
	hub      *Hub
	password string
	log      *log.Logger
}

func New(ctrl Controller, hub *Hub, password string, logger *log.Logger) *Server {
	s := &Server{
		ctrl:     ctrl,
		hub:      hub,
		password: password,
		log:      logging.OrDiscard(logger).WithPrefix("ui"),
	}
	e := httpserver.NewRouter()
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/ws", s.serveWS)

	api := e.Group("/api/assistant", httpserver.RequireAuth(password))
	api.GET("/state", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.ctrl.Snapshot())
	})
	for _, cmd := range []string{"enable", "start", "end", "send"} {
		api.POST("/"+cmd, func(c echo.Context) error { return s.command(c, cmd) })
	}
	s.Router = e
	return s
}

type sendBody struct {
	Text string `json:"text"`
}

func (s *Server) command(c echo.Context, cmd string) error {
	var text string
	if cmd == "send" {
		var body sendBody
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		}
		text = body.Text
	}
	if err := s.dispatch(c.Request().Context(), cmd, text); err != nil {
		return c.JSON(commandStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrNoSession), errors.Is(err, rtc.ErrChannelNotOpen):
		return http.StatusConflict
	case errors.Is(err, errUnknownCommand), errors.Is(err, errEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) dispatch(ctx context.Context, cmd, text string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	switch cmd {
	case "enable":
		return s.ctrl.Enable(ctx)
	case "start":
		return s.ctrl.StartSession(ctx)
	case "end":
		return s.ctrl.EndSession(ctx)
	case "send":
		text = strings.TrimSpace(text)
		if text == "" {
			return errEmptyMessage
		}
		return s.ctrl.SendChat(ctx, text)
	default:
		return errUnknownCommand
	}
}

func (s *Server) serveWS(c echo.Context) error {
	r := c.Request()
	conn, err := wsUpgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	// Auth: header or query, otherwise the first frame must be {"type":"auth"}.
	if !httpserver.AuthOK(r, s.password) {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil || strings.ToLower(f.Type) != "auth" || f.Password != s.password {
			_ = conn.WriteJSON(Frame{Type: "error", Error: "unauthorized"})
			return nil
		}
	}

	cl := s.hub.register(conn)
	defer s.hub.unregister(cl)
	go s.hub.writeLoop(cl)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read", "err", err)
			}
			return nil
		}
		cmd := strings.ToLower(f.Type)
		if cmd == "auth" {
			continue
		}
		reply := Frame{Type: "ok", Text: cmd}
		if err := s.dispatch(r.Context(), cmd, f.Text); err != nil {
			reply = Frame{Type: "error", Text: cmd, Error: err.Error()}
		}
		s.hub.sendTo(cl, reply)
	}
}
