// Package server exposes the service over HTTP: the websocket endpoint
// that clients attach to, and a health endpoint for diagnostics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/shoplist/listsyncd/auth"
	"github.com/shoplist/listsyncd/internal/logctx"
	"github.com/shoplist/listsyncd/room"
)

// Config wires the Server.
type Config struct {
	Logger        *slog.Logger
	Hub           *room.Hub
	Authenticator auth.Authenticator
	// AllowedOrigin restricts upgrades to one origin; empty allows any.
	AllowedOrigin string
	// BaseContext bounds the lifetime of connection pumps. Defaults to
	// context.Background().
	BaseContext context.Context
}

// Server handles the websocket handshake: origin check, credential
// verification, upgrade, and hand-off to the hub.
type Server struct {
	log      *slog.Logger
	hub      *room.Hub
	authn    auth.Authenticator
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

// New constructs a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		log:     log,
		hub:     cfg.Hub,
		authn:   cfg.Authenticator,
		baseCtx: baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigin),
		},
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()
	r.GET("/healthz", s.handleHealth)
	r.GET("/ws", s.handleWS)
	return r
}

func originChecker(allowed string) func(*http.Request) bool {
	if allowed == "" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

// bearerToken extracts the credential from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	token := bearerToken(r)

	identity, err := s.authn.Verify(ctx, token)
	if err != nil {
		code := "invalid_credential"
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			code = "unauthenticated"
		case errors.Is(err, auth.ErrExpired):
			code = "expired_credential"
		}
		s.log.InfoContext(ctx, "handshake refused", slog.String("code", code))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.log.DebugContext(ctx, "upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := room.NewClient(s.hub, conn, identity, token)
	s.hub.Register(c)

	connCtx := logctx.WithConnData(s.baseCtx, &logctx.ConnData{
		ConnID:     c.ID,
		UserID:     identity.UserID,
		UserName:   identity.DisplayName(),
		RemoteAddr: r.RemoteAddr,
	})
	s.log.InfoContext(connCtx, "connection established")

	go c.WritePump(connCtx)
	go c.ReadPump(connCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"relayHealthy": s.hub.RelayHealthy(),
		"connections":  s.hub.ConnectionCount(),
	})
}
