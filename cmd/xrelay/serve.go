package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/xrelay/kit"
	"github.com/hazyhaar/xrelay/ledger"
	"github.com/hazyhaar/xrelay/orchestrator"
	"github.com/hazyhaar/xrelay/provider"
	"github.com/hazyhaar/xrelay/relay"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cfg, logger, err := setup(g)
			if err != nil {
				return err
			}
			defer eng.Close()
			if listen == "" {
				listen = cfg.Listen
			}
			return serve(cmd.Context(), logger, eng, listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, logger *slog.Logger, eng *relay.Engine, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(eng, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newRouter(eng *relay.Engine, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDs)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st, err := eng.Status(r.Context())
		if err != nil {
			logger.WarnContext(r.Context(), "status: ledger stats unavailable", "error", err)
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Route("/x", func(r chi.Router) {
		r.Get("/status/{id}", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			opts := relay.FetchOptions{
				Force:    q.Get("force") == "true",
				Provider: provider.ID(q.Get("provider")),
			}
			for _, s := range q["skip"] {
				opts.Skip = append(opts.Skip, provider.ID(s))
			}
			if d := q.Get("deadline"); d != "" {
				v, err := time.ParseDuration(d)
				if err != nil || v <= 0 {
					writeError(w, http.StatusBadRequest, fmt.Errorf("deadline: want a positive duration such as 5s, got %q", d))
					return
				}
				opts.Deadline = v
			}
			res, err := eng.FetchOne(r.Context(), chi.URLParam(r, "id"), opts)
			respond(w, r, logger, res, err)
		})

		r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
			res, err := eng.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 0))
			respond(w, r, logger, res, err)
		})

		r.Get("/timeline/{username}", func(w http.ResponseWriter, r *http.Request) {
			res, err := eng.Timeline(r.Context(), chi.URLParam(r, "username"), queryInt(r, "limit", 0))
			respond(w, r, logger, res, err)
		})

		r.Post("/verify", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ContentHash string   `json:"content_hash"`
				RootHash    string   `json:"root_hash"`
				Components  []string `json:"components"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{
				"valid": eng.VerifyIntegrity(req.ContentHash, req.RootHash, req.Components),
			})
		})

		r.Get("/proof/{hash}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := eng.LookupProof(r.Context(), chi.URLParam(r, "hash"))
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				writeError(w, http.StatusNotFound, err)
			case errors.Is(err, relay.ErrNoLedger):
				writeError(w, http.StatusNotImplemented, err)
			case err != nil:
				writeError(w, http.StatusInternalServerError, err)
			default:
				writeJSON(w, http.StatusOK, rec)
			}
		})
	})
	return r
}

// requestIDs tags every request with a fresh id, echoed in X-Request-ID and
// carried into the outcome records.
func requestIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := kit.NewRequestID()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(kit.WithRequestID(r.Context(), id)))
	})
}

func respond(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, v)
		return
	}
	code := statusFor(err)
	if code >= 500 {
		logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	body := map[string]any{"error": err.Error()}
	var rerr *relay.Error
	if errors.As(err, &rerr) {
		if att := rerr.Attempts(); att != nil {
			body["attempts"] = att
		}
	}
	writeJSON(w, code, body)
}

// statusFor maps engine errors to HTTP statuses. Only a request deadline
// that cut the chain short is a 504; per-attempt timeouts inside an exhausted
// chain are upstream failures like any other. A chain where every tried
// provider reported NotFound is a 404; anything else upstream is a 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoChain):
		return http.StatusServiceUnavailable
	}
	var all *orchestrator.AllProvidersFailed
	if errors.As(err, &all) {
		switch {
		case all.Aborted && errors.Is(all.Cause, context.DeadlineExceeded):
			return http.StatusGatewayTimeout
		case allNotFound(all):
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func allNotFound(all *orchestrator.AllProvidersFailed) bool {
	tried := 0
	for _, o := range all.Attempts {
		if o.Skipped {
			continue
		}
		tried++
		if o.Kind != provider.KindNotFound {
			return false
		}
	}
	return tried > 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		// Out-of-range value so the engine rejects it as invalid.
		return -1
	}
	return v
}
