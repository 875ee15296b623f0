package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server and scheduled pipeline sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := newServer(ctx, env)

		if cfg.Schedule.Enabled {
			go srv.scheduleLoop(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.Bool("schedule_enabled", cfg.Schedule.Enabled),
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// server exposes the orchestrator over HTTP. runMu serializes pipeline sweeps
// so the API and the scheduler never advance the same cursors concurrently.
type server struct {
	env *appEnv

	// baseCtx outlives individual requests; async sweeps run under it so
	// they stop on shutdown, not when the triggering request returns.
	baseCtx context.Context
	runMu   sync.Mutex
}

func newServer(ctx context.Context, env *appEnv) *server {
	return &server{env: env, baseCtx: ctx}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/run/{pipeline}", s.handleRun)
	r.Post("/v1/orgs/{id}/run", s.handleOrgRun)

	return r
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := s.env.Store.CountOrgs(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	jobs, err := s.env.Store.ListJobs(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusReport{Orgs: count, Jobs: jobs})
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pipeline")

	budget := cfg.Pipeline.DefaultBudget
	if raw := r.URL.Query().Get("budget"); raw != "" {
		b, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid budget %q", raw))
			return
		}
		budget = b
	}

	known := false
	for _, p := range s.env.Orch.Pipelines() {
		if p == name {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, eris.Errorf("unknown pipeline %q", name))
		return
	}

	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, eris.New("a pipeline run is already in progress"))
		return
	}

	runID := uuid.NewString()

	// The sweep outlives the request; it stops with the server context.
	go func() {
		defer s.runMu.Unlock()
		report, err := s.env.Orch.Run(s.baseCtx, name, budget)
		if err != nil {
			zap.L().Error("pipeline run failed",
				zap.String("run_id", runID),
				zap.String("pipeline", name),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("pipeline run finished",
			zap.String("run_id", runID),
			zap.String("pipeline", name),
			zap.Int("processed", report.Processed),
			zap.Bool("complete", report.Complete),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"run_id":   runID,
		"pipeline": name,
		"budget":   budget,
	})
}

func (s *server) handleOrgRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, eris.Errorf("invalid org id %q", chi.URLParam(r, "id")))
		return
	}

	org, err := s.env.Store.GetOrg(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	for _, name := range s.env.Orch.Pipelines() {
		if err := s.env.Orch.RunEntity(ctx, name, *org); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		org, err = s.env.Store.GetOrg(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, org)
}

// scheduleLoop sweeps every pipeline on a fixed interval until the context
// ends. A sweep is skipped when a run is already in progress.
func (s *server) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(cfg.Schedule.Interval())
	defer ticker.Stop()

	zap.L().Info("scheduler started",
		zap.Duration("interval", cfg.Schedule.Interval()),
		zap.Int("budget", cfg.Schedule.Budget),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.runMu.TryLock() {
			zap.L().Debug("scheduled sweep skipped, run in progress")
			continue
		}
		s.sweep(ctx)
		s.runMu.Unlock()
	}
}

func (s *server) sweep(ctx context.Context) {
	runID := uuid.NewString()
	budget := cfg.Schedule.Budget

	for _, name := range s.env.Orch.Pipelines() {
		report, err := s.env.Orch.Run(ctx, name, budget)
		if err != nil {
			zap.L().Error("scheduled sweep failed",
				zap.String("run_id", runID),
				zap.String("pipeline", name),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("scheduled sweep finished",
			zap.String("run_id", runID),
			zap.String("pipeline", name),
			zap.Int("processed", report.Processed),
			zap.Bool("complete", report.Complete),
		)
		if budget > 0 {
			budget -= report.Processed
			if budget <= 0 {
				break
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
