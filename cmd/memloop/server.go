package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/memloop/memloop/casebase"
	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/engine"
	"github.com/memloop/memloop/internal/database"
	"github.com/memloop/memloop/llm"
)

// pruneInterval paces the background sweep of stale cases.
const pruneInterval = time.Hour

// Server exposes the operational HTTP surface (health, readiness, metrics)
// and owns process lifecycle: background pruning, signal handling, and
// ordered shutdown of the engine behind it.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	engine   *engine.Engine
	cases    *casebase.Store
	db       *gorm.DB
	provider llm.Provider
	registry *prometheus.Registry

	httpSrv     *http.Server
	pruneCancel context.CancelFunc
}

func NewServer(cfg *config.Config, logger *zap.Logger, eng *engine.Engine, cases *casebase.Store, db *gorm.DB, provider llm.Provider, registry *prometheus.Registry) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "server")),
		engine:   eng,
		cases:    cases,
		db:       db,
		provider: provider,
		registry: registry,
	}
}

// Start brings up the HTTP listener and the stale-case pruner. It returns
// once the listener is accepting; serve errors surface through logs.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.cfg.CaseBase.StaleAfter > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.pruneCancel = cancel
		go s.pruneLoop(ctx)
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts down.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	s.Shutdown()
}

// Shutdown stops the listener first so no new work arrives, then drains the
// engine (pending reflections and the working-memory flush) within the
// configured timeout.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.pruneCancel != nil {
		s.pruneCancel()
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if err := s.engine.Close(ctx); err != nil {
		s.logger.Error("Engine shutdown error", zap.Error(err))
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
			pruned, err := s.cases.PruneStale(pruneCtx)
			cancel()
			if err != nil {
				s.logger.Warn("Stale-case prune failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				s.logger.Info("Pruned stale cases", zap.Int64("count", pruned))
			}
		}
	}
}

// handleHealthz reports overall health. The database is load-bearing and
// fails the probe; the generation service is advisory since retrieval keeps
// working without it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := database.Ping(ctx, s.db); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	generation := "ok"
	if hs, err := s.provider.HealthCheck(ctx); err != nil || !hs.Healthy {
		generation = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"generation": generation,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
