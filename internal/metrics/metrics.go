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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	webhookRequests  *prometheus.CounterVec
	claimAttempts    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	schedulerFires   *prometheus.CounterVec
	stageLogBatches  *prometheus.CounterVec
	dispatchRequests *prometheus.CounterVec
)

const (
	OpClaim        = "claim"
	OpWebhookPush  = "webhook.push"
	OpWebhookPR    = "webhook.pull_request"
	OpSchedulerFire = "scheduler.fire"
	OpStageRun     = "stage.run"
	OpDeploy       = "deploy"
	OpIngressRoute = "ingress.route"
	OpIngressDNS   = "ingress.dns"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveWebhookRequest records the outcome of a single webhook delivery.
func ObserveWebhookRequest(outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookRequests != nil {
		webhookRequests.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveClaim records a claim attempt's outcome ("claimed" or "empty").
func ObserveClaim(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if claimAttempts != nil {
		claimAttempts.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveStage records a completed stage's duration grouped by outcome.
func ObserveStage(status string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if stageDuration != nil {
		stageDuration.WithLabelValues(sanitizeLabel(status, "unknown")).Observe(durationSeconds(duration))
	}
}

// ObserveSchedulerFire records one due cron fire by outcome (a job was
// enqueued, or another advance won the schedule's compare-and-swap).
func ObserveSchedulerFire(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if schedulerFires != nil {
		schedulerFires.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveStageLogBatch records a batch of stage log lines flushed to the store.
func ObserveStageLogBatch(lines int) {
	mu.RLock()
	defer mu.RUnlock()
	if stageLogBatches != nil {
		stageLogBatches.WithLabelValues(strconv.Itoa(bucketLines(lines))).Inc()
	}
}

// ObserveDispatchRequest records a dispatch API request outcome by status code.
func ObserveDispatchRequest(op string, code int) {
	mu.RLock()
	defer mu.RUnlock()
	if dispatchRequests != nil {
		dispatchRequests.WithLabelValues(sanitizeLabel(op, "unknown"), strconv.Itoa(code)).Inc()
	}
}

func bucketLines(n int) int {
	switch {
	case n <= 1:
		return 1
	case n <= 16:
		return 16
	case n <= 64:
		return 64
	default:
		return 1 << 10
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	webhook := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "ingest",
		Name:      "webhook_requests_total",
		Help:      "Total webhook deliveries processed, grouped by outcome.",
	}, []string{"outcome"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "dispatch",
		Name:      "claim_attempts_total",
		Help:      "Total claim_next_job calls grouped by outcome (claimed, empty).",
	}, []string{"outcome"})

	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foundry",
		Subsystem: "agent",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages by terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"status"})

	fires := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Total cron schedule fires grouped by outcome (enqueued, conflict).",
	}, []string{"outcome"})

	logBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "agent",
		Name:      "stage_log_batches_total",
		Help:      "Total stage log batches flushed, grouped by bucketed batch size.",
	}, []string{"batch_size"})

	dispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Total dispatch API requests by operation and status code.",
	}, []string{"op", "code"})

	registry.MustRegister(webhook, claims, stages, fires, logBatches, dispatch)

	reg = registry
	webhookRequests = webhook
	claimAttempts = claims
	stageDuration = stages
	schedulerFires = fires
	stageLogBatches = logBatches
	dispatchRequests = dispatch
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
