package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for enrichment requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnrichment(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/queue/status", func(w http.ResponseWriter, _ *http.Request) {
			circuits := make(map[string]string)
			for service, state := range env.Breakers.States() {
				circuits[service] = state.String()
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"services": env.Queue.Stats(),
				"circuits": circuits,
			})
		})

		r.Post("/enrich", handleEnrich(env))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// handleEnrich runs one enrichment and streams NDJSON: one line per stage
// snapshot, then a terminal line with the final profile.
func handleEnrich(env *enrichEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string `json:"name"`
			Orgnr string `json:"orgnr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, `{"error":"name is required"}`, http.StatusBadRequest)
			return
		}

		id := model.Identity{DisplayName: req.Name, RegistrationNumber: req.Orgnr}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		type outcome struct {
			prof *model.Profile
			err  error
		}
		snapshots := pipeline.NewSnapshots()
		done := make(chan outcome, 1)
		go func() {
			prof, err := env.Pipeline.Enrich(r.Context(), id, env.Stages, snapshots)
			done <- outcome{prof: prof, err: err}
		}()

		enc := json.NewEncoder(w)
		for snap := range snapshots {
			_ = enc.Encode(map[string]any{"event": "snapshot", "profile": snap})
			if flusher != nil {
				flusher.Flush()
			}
		}

		out := <-done
		final := map[string]any{"event": "done", "profile": out.prof}
		if out.err != nil {
			final["error"] = out.err.Error()
			zap.L().Error("enrichment failed",
				zap.String("company", req.Name),
				zap.Error(out.err),
			)
		}
		_ = enc.Encode(final)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
