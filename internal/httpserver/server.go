package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/rtc"
)

// Options carries the settings the HTTP surface needs.
type Options struct {
	// AuthPassword gates /call and /ws when set.
	AuthPassword string
}

// offerHandler is the part of rtc.Handler the routes use.
type offerHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string)
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes.
func New(opts Options, h offerHandler, m *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http"))
	e := NewRouter(logger)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	e.Any("/call", func(c echo.Context) error {
		w, r := c.Response(), c.Request()
		// Basic CORS for browser demos
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
		switch r.Method {
		case http.MethodOptions:
			return c.NoContent(http.StatusNoContent)
		case http.MethodPost:
		default:
			return c.NoContent(http.StatusMethodNotAllowed)
		}
		if !rtcAuthOK(r, opts.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}

		var offer rtc.SessionDescription
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			logger.Info("invalid offer", zap.Error(err))
			return c.NoContent(http.StatusBadRequest)
		}

		answer, err := h.HandleOffer(r.Context(), offer)
		if err != nil {
			logger.Warn("webrtc handle offer failed", zap.Error(err))
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, answer)
	})

	e.GET("/ws", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request(), opts.AuthPassword)
		return nil
	})

	return &Server{Router: e}
}

// rtcAuthOK accepts ?password=, Authorization: Bearer or X-Auth-Token.
// An empty expected password disables the check.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		if strings.TrimSpace(ah[len("bearer "):]) == expected {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	return false
}
