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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/store"
)

var servePort int

// runner starts pipeline runs. *pipeline.Pipeline satisfies it.
type runner interface {
	Run(ctx context.Context, tag model.SourceTag) (*model.RunSummary, error)
}

// runLister reads run history.
type runLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.RunSummary, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for triggering and inspecting runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, envOptions{WithLLM: true})
		if err != nil {
			return err
		}
		defer env.Close()

		var inflight sync.WaitGroup
		handler := buildRouter(ctx, env.Pipeline, env.Store, cfg.Server.AllowedOrigins, &inflight)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Cancelled runs drain to persistence before the store closes.
		inflight.Wait()
		return nil
	},
}

// buildRouter wires the HTTP API. Triggered runs inherit ctx, so shutting
// the server down cancels them; each run opens its own session.
func buildRouter(ctx context.Context, p runner, runs runLister, origins []string, inflight *sync.WaitGroup) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/runs/{source}", func(w http.ResponseWriter, req *http.Request) {
		tag, err := model.ParseSourceTag(chi.URLParam(req, "source"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if p == nil {
				return
			}
			summary, err := p.Run(ctx, tag)
			if err != nil {
				zap.L().Error("triggered run failed", zap.String("source", string(tag)), zap.Error(err))
				return
			}
			zap.L().Info("triggered run complete",
				zap.String("source", string(tag)),
				zap.String("run_id", summary.ID),
				zap.String("status", string(summary.Status)),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"source": string(tag),
		})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		if runs == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
			return
		}
		filter := store.RunFilter{Status: model.RunStatus(req.URL.Query().Get("status"))}
		if s := req.URL.Query().Get("source"); s != "" {
			tag, err := model.ParseSourceTag(s)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			filter.Source = tag
		}
		if l := req.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
			filter.Limit = n
		}

		list, err := runs.ListRuns(req.Context(), filter)
		if err != nil {
			zap.L().Error("list runs", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
			return
		}
		if list == nil {
			list = []model.RunSummary{}
		}
		writeJSON(w, http.StatusOK, list)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
