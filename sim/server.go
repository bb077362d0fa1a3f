package sim

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/feed"
	"github.com/rustyeddy/tradestate/internal/wshub"
	"github.com/rustyeddy/tradestate/pkg/logging"
)

// StreamPath is where the server publishes push messages.
const StreamPath = "/api/v1/stream"

// Server exposes an Engine over the same HTTP and websocket surface as a
// live trading server.
type Server struct {
	engine *Engine
	token  string
	hub    *wshub.Hub
	logger *zap.Logger
	router chi.Router
}

// NewServer wires e's push messages to the stream endpoint. An empty
// token disables authentication.
func NewServer(e *Engine, token string, logger *zap.Logger) *Server {
	s := &Server{
		engine: e,
		token:  token,
		hub:    wshub.New(logger),
		logger: logging.OrNop(logger),
	}
	e.OnMessage(s.hub.Broadcast)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.auth)
	r.Get(feed.PathPositions, s.positions)
	r.Get(feed.PathAccount, s.account)
	r.Get(feed.PathPrices, s.prices)
	r.Post(feed.PathPositions+"/{id}/close", s.closePosition)
	r.Get(StreamPath, s.hub.ServeHTTP)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects stream clients.
func (s *Server) Close() { s.hub.Close() }

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.engine.Positions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": ps})
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.Account(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) prices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.engine.Prices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.ClosePosition(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownPosition):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Warn("close failed", zap.String("position", id), zap.Error(err))
		writeError(w, http.StatusConflict, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
