// Package dashboard serves a read-only JSON view of the session over HTTP.
// Everything is read from the state database; the dashboard can never move
// an order.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/state"
)

type Server struct {
	router *chi.Mux
	server *http.Server
	store  *state.Store
	logger *logrus.Logger
	addr   string
}

func NewServer(cfg config.DashboardConfig, store *state.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		logger: logger,
		addr:   cfg.ListenAddr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/summary", s.handleSummary)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/orders", s.handleOrders)
	s.router.Get("/api/strikes", s.handleStrikes)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("dashboard listening on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("dashboard query")
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	daily, _, err := s.store.LoadDailyState()
	if err != nil {
		s.writeError(w, err)
		return
	}
	op, _, err := s.store.LoadOperationalState()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"trade_date":           daily.TradeDate,
		"cumulative_r":         daily.CumulativeR,
		"total_pnl":            daily.TotalPnL,
		"closed_count":         daily.ClosedCount,
		"daily_exit_triggered": daily.ExitTriggered,
		"daily_exit_reason":    daily.ExitReason,
		"state":                op.State,
		"state_entered_at":     op.StateEnteredAt,
		"error_reason":         op.ErrorReason,
		"pause_requested":      op.PauseRequested,
		"kill_requested":       op.KillRequested,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	open, err := s.store.LoadOpenPositions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, open)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	loc := time.Local
	trades, err := s.store.ClosedTradesToday(loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.store.LoadPendingEntries()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sls, err := s.store.LoadActiveSLs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"pending_entries": entries,
		"active_sls":      sls,
	})
}

func (s *Server) handleStrikes(w http.ResponseWriter, _ *http.Request) {
	strikes, err := s.store.LoadBestStrikes()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, strikes)
}
