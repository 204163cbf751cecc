// Command example-server guards a set of demo authentication endpoints with authguard.
//
// Configuration is read from AUTHGUARD_* environment variables; see config.Load.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/authguard"
	"github.com/nhalm/authguard/config"
	"github.com/nhalm/authguard/idempotency"
	"github.com/nhalm/authguard/policy"
	"github.com/nhalm/authguard/ratelimit"
)

const idempotencyHeader = "Idempotency-Key"

func main() {
	if err := run(); err != nil {
		slog.Error("example-server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	st, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	table, err := cfg.Table()
	if err != nil {
		return err
	}

	limiter := ratelimit.New(st, table, cfg.LimiterOptions(logger)...)
	guard := idempotency.New(st, cfg.GuardOptions(logger)...)

	// Keys are scoped to the caller's session token, so equal Idempotency-Key values
	// from different callers never share a record.
	identify := authguard.ScopedIdentifier(authguard.BearerIdentifier(), authguard.HeaderIdentifier(idempotencyHeader))

	r := chi.NewRouter()
	r.Use(authguard.Handler(authguard.WithCanonlog(), authguard.WithRequestID()))

	r.Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			authguard.SetError(r, authguard.ErrServiceUnavailable)
			return
		}
		authguard.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.With(authguard.RateLimit(limiter, policy.OperationAnonymousAuth)).
			Post("/anonymous", createAnonymous)

		r.With(
			authguard.RateLimit(limiter, policy.OperationMergeOperations),
			authguard.Idempotent(guard, policy.OperationMergeOperations, identify, cfg.IdempotencyTTL),
		).Post("/merge", mergeAccounts)

		r.With(
			authguard.RateLimit(limiter, policy.OperationEmailUpgrade),
			authguard.Idempotent(guard, policy.OperationEmailUpgrade, identify, cfg.IdempotencyTTL),
		).Post("/email-upgrade", upgradeEmail)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "backend", cfg.Backend, "fail_mode", cfg.FailMode.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func createAnonymous(_ http.ResponseWriter, r *http.Request) {
	authguard.SetResponse(r, http.StatusCreated, map[string]string{
		"user_id": uuid.NewString(),
		"kind":    "anonymous",
	})
}

func mergeAccounts(_ http.ResponseWriter, r *http.Request) {
	authguard.SetResponse(r, http.StatusOK, map[string]string{
		"merge_id": uuid.NewString(),
		"status":   "merged",
	})
}

func upgradeEmail(_ http.ResponseWriter, r *http.Request) {
	authguard.SetResponse(r, http.StatusOK, map[string]string{
		"upgrade_id": uuid.NewString(),
		"status":     "upgraded",
	})
}
