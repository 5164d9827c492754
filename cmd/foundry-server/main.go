// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command foundry-server hosts the webhook ingress, the agent-facing
// dispatch API, the schedule ticker, and a janitor loop that reaps stale
// running jobs whose claiming agent has presumably died.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foundry/internal/config"
	"foundry/internal/ctxkeys"
	"foundry/internal/dispatch"
	"foundry/internal/ingest"
	"foundry/internal/metrics"
	"foundry/internal/middleware"
	"foundry/internal/scheduler"
	"foundry/internal/store"
)

// withCorrelationID stamps every request with a correlation ID (minted or
// forwarded via X-Correlation-ID), echoing it back so the webhook sender,
// the server's own logs, and the agent's dispatch logs can be tied
// together for a single inbound request.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := ctxkeys.EnsureCorrelationID(ctxkeys.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID")))
		w.Header().Set("X-Correlation-ID", id)
		log.Printf("request: correlation_id=%s method=%s path=%s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func redactedSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func logConfig(cfg config.ServerConfig) {
	log.Printf("config: bind_addr=%s metrics_addr=%s database_url=%s webhook_secret=%s "+
		"stale_timeout=%s idle_timeout=%s janitor_interval=%s scheduler_tick=%s "+
		"rate_limit_rpm=%d rate_limit_burst=%d cors_allowed_origins=%v",
		cfg.BindAddr, cfg.MetricsAddr, cfg.DatabaseURL, redactedSecret(cfg.GithubWebhookSecret),
		cfg.StaleTimeout, cfg.IdleTimeout, cfg.JanitorInterval, cfg.SchedulerTick,
		cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.CORSAllowedOrigins)
}

func newMux(webhook *ingest.Handler, dispatchAPI *dispatch.API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	mux.Handle("POST /webhook/github", webhook)
	dispatchAPI.Register(mux)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"name":"foundry-server","status":"running"}`)
	})
	return mux
}

// janitor periodically fails running jobs that have gone quiet for longer
// than cfg.IdleTimeout and have been running for longer than
// cfg.StaleTimeout, on the assumption their claiming agent has died
// without ever reporting completion.
func janitor(ctx context.Context, st *store.Store, cfg config.ServerConfig) {
	ticker := time.NewTicker(cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			ids, err := st.StaleRunningJobs(ctx, now.Add(-cfg.StaleTimeout), now.Add(-cfg.IdleTimeout))
			if err != nil {
				log.Printf("janitor: query stale jobs: %v", err)
				continue
			}
			for _, id := range ids {
				if err := st.MarkJobFailedByJanitor(ctx, id, "janitor: no activity within idle timeout"); err != nil {
					log.Printf("janitor: mark job %d failed: %v", id, err)
				} else {
					log.Printf("janitor: marked job %d failed (stale)", id)
				}
			}
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[foundry-server] ")

	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	webhook := ingest.NewHandler(st, cfg.GithubWebhookSecret, log.Default(), nil)
	dispatchAPI := dispatch.New(st, log.Default())
	sched := scheduler.New(st, log.Default(), cfg.SchedulerTick)

	workerCtx, workerCancel := context.WithCancel(ctx)
	go func() {
		if err := sched.Run(workerCtx); err != nil && err != context.Canceled {
			log.Printf("scheduler stopped: %v", err)
		}
	}()
	go janitor(workerCtx, st, cfg)

	rlCfg := middleware.DefaultRateLimitConfig()
	rlCfg.RequestsPerMinute = cfg.RateLimitRPM
	rlCfg.BurstSize = cfg.RateLimitBurst
	rlCfg.Logger = log.Default()
	rl := middleware.NewRateLimiter(rlCfg)
	defer rl.Stop()

	secCfg := middleware.DefaultSecurityHeadersConfig()
	if len(cfg.CORSAllowedOrigins) > 0 {
		secCfg.EnableCORS = true
		secCfg.CORSAllowedOrigins = cfg.CORSAllowedOrigins
	}
	secHeaders := middleware.SecurityHeaders(secCfg)

	// Correlation ID goes on first so the rate limiter's own log line
	// (and everything downstream) can tag itself with it.
	handler := withCorrelationID(rl.Middleware(secHeaders(newMux(webhook, dispatchAPI))))

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()
	go func() {
		log.Printf("metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal, initiating graceful shutdown...")
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Printf("server stopped")
}
