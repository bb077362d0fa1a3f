// Package api is the presentation surface over the core: read-only views
// of the derived state plus the lock, dismiss and close actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/core"
	"github.com/rustyeddy/tradestate/internal/wshub"
	"github.com/rustyeddy/tradestate/lock"
	"github.com/rustyeddy/tradestate/metrics"
	"github.com/rustyeddy/tradestate/orders"
	"github.com/rustyeddy/tradestate/pkg/logging"
	"github.com/rustyeddy/tradestate/risk"
)

// WSPath is where account snapshots and lock changes are broadcast.
const WSPath = "/api/v1/ws"

type Server struct {
	core   *core.Core
	hub    *wshub.Hub
	logger *zap.Logger
	router chi.Router
}

// New builds the router and subscribes the websocket hub to the core.
func New(c *core.Core, logger *zap.Logger) *Server {
	s := &Server{
		core:   c,
		hub:    wshub.New(logger),
		logger: logging.OrNop(logger),
	}
	s.hub.Greeting = func() []byte {
		return s.frame("account", s.accountView(c.Account()))
	}
	c.Subscribe(func(snap risk.AccountSnapshot) {
		s.hub.Broadcast(s.frame("account", s.accountView(snap)))
	})
	c.WatchLock(func(st lock.State) {
		s.hub.Broadcast(s.frame("lock", st))
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/account", s.account)
		r.Get("/positions", s.positions)
		r.Get("/prices", s.prices)
		r.Get("/notifications", s.notifications)
		r.Delete("/notifications/{id}", s.dismissNotification)
		r.Get("/dialog", s.dialog)
		r.Delete("/dialog", s.dismissDialog)
		r.Get("/lock", s.lockState)
		r.Post("/lock", s.activateLock)
		r.Post("/close", s.closeBatch)
		r.Get("/ws", s.hub.ServeHTTP)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects websocket clients.
func (s *Server) Close() { s.hub.Close() }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type accountView struct {
	risk.AccountSnapshot
	Warnings       []risk.Violation `json:"warnings,omitempty"`
	Level          risk.Level       `json:"level"`
	PositionsStale bool             `json:"positions_stale"`
	Health         core.Health      `json:"health"`
}

func (s *Server) accountView(snap risk.AccountSnapshot) accountView {
	d := risk.Evaluate(s.core.Policy(), snap)
	return accountView{
		AccountSnapshot: snap,
		Warnings:        d.Violations,
		Level:           d.Level,
		PositionsStale:  s.core.PositionsStale(),
		Health:          s.core.Health(),
	}
}

func (s *Server) frame(event string, data any) []byte {
	b, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, data})
	if err != nil {
		s.logger.Error("encode ws frame", zap.String("event", event), zap.Error(err))
		return nil
	}
	return b
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.core.Health()
	status := "ok"
	if s.core.PositionsStale() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "health": h})
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accountView(s.core.Account()))
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": s.core.Positions(),
		"stale":     s.core.PositionsStale(),
	})
}

func (s *Server) prices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"quotes": s.core.Quotes(),
		"stale":  s.core.StaleSymbols(0),
	})
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.core.Notifications()})
}

func (s *Server) dismissNotification(w http.ResponseWriter, r *http.Request) {
	if !s.core.DismissNotification(chi.URLParam(r, "id")) {
		writeError(w, "notification not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dialog(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.core.Dialog()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) dismissDialog(w http.ResponseWriter, r *http.Request) {
	s.core.DismissDialog()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lockState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.LockState())
}

// LockRequest activates the trading lock, e.g. {"duration":"1h"}.
type LockRequest struct {
	Duration string `json:"duration"`
}

func (s *Server) activateLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, "invalid duration", http.StatusBadRequest)
		return
	}

	switch err := s.core.ActivateLock(r.Context(), d); {
	case err == nil:
		writeJSON(w, http.StatusOK, s.core.LockState())
	case errors.Is(err, lock.ErrInvalidDuration):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lock.ErrAlreadyActive):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("activate lock", zap.Error(err))
		writeError(w, "failed to activate lock", http.StatusInternalServerError)
	}
}

// CloseRequest selects positions by "all", "profit", "loss" or an id.
type CloseRequest struct {
	Target string `json:"target"`
}

type closeResponse struct {
	Requested int               `json:"requested"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Closed    []string          `json:"closed,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (s *Server) closeBatch(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.core.CloseBatch(r.Context(), orders.ParsePredicate(req.Target))
	switch {
	case errors.Is(err, lock.ErrLocked):
		writeError(w, err.Error(), http.StatusLocked)
		return
	case errors.Is(err, orders.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("close batch", zap.String("target", req.Target), zap.Error(err))
		writeError(w, "close failed", http.StatusInternalServerError)
		return
	}

	resp := closeResponse{
		Requested: res.Requested,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Closed:    res.Closed,
	}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]string, len(res.Errors))
		for _, e := range res.Errors {
			resp.Errors[e.PositionID] = e.Reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
