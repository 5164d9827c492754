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

// Package config loads Foundry's server and agent configuration from the
// environment (spec §6 "Configuration (environment)"), with flags able to
// override individual fields in each binary's main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServerConfig configures cmd/foundry-server.
type ServerConfig struct {
	DatabaseURL         string        // DATABASE_URL
	GithubWebhookSecret string        // GITHUB_WEBHOOK_SECRET
	BindAddr            string        // FOUNDRY_BIND_ADDR
	MetricsAddr         string        // FOUNDRY_METRICS_ADDR
	StaleTimeout        time.Duration // FOUNDRY_STALE_TIMEOUT
	IdleTimeout         time.Duration // FOUNDRY_IDLE_TIMEOUT
	JanitorInterval     time.Duration // FOUNDRY_JANITOR_INTERVAL
	SchedulerTick       time.Duration // FOUNDRY_SCHEDULER_TICK
	RateLimitRPM        int           // FOUNDRY_RATE_LIMIT_RPM
	RateLimitBurst      int           // FOUNDRY_RATE_LIMIT_BURST
	CORSAllowedOrigins  []string      // FOUNDRY_CORS_ALLOWED_ORIGINS (comma-separated; empty disables CORS)
}

// AgentConfig configures cmd/foundry-agent.
type AgentConfig struct {
	DispatchURL  string        // FOUNDRY_DISPATCH_URL
	AgentID      string        // FOUNDRY_AGENT_ID
	Workers      int           // FOUNDRY_AGENT_WORKERS
	PollInterval time.Duration // FOUNDRY_POLL_INTERVAL
	WorkspaceDir string        // FOUNDRY_WORKSPACE_DIR
	StageTimeout time.Duration // FOUNDRY_STAGE_TIMEOUT
}

// IngressConfig configures the Cloudflare Tunnel ingress controller binding.
type IngressConfig struct {
	TunnelID       string // CLOUDFLARE_TUNNEL_ID
	APIToken       string // CLOUDFLARE_API_TOKEN
	AccountID      string // CLOUDFLARE_ACCOUNT_ID
	ZoneID         string // CLOUDFLARE_ZONE_ID
	TunnelHostname string // CLOUDFLARE_TUNNEL_HOSTNAME
}

// DefaultServerConfig returns the spec's documented defaults. The rate
// limit defaults are tuned for webhook deliveries and agent polling
// traffic (far higher-volume than the auth-endpoint traffic the
// teacher's middleware package was originally tuned for).
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:        "0.0.0.0:8080",
		MetricsAddr:     "0.0.0.0:9090",
		StaleTimeout:    30 * time.Minute,
		IdleTimeout:     10 * time.Minute,
		JanitorInterval: 60 * time.Second,
		SchedulerTick:   1 * time.Second,
		RateLimitRPM:    300,
		RateLimitBurst:  60,
	}
}

// DefaultAgentConfig returns the spec's documented defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Workers:      1,
		PollInterval: 5 * time.Second,
		WorkspaceDir: "/var/lib/foundry/workspaces",
		StageTimeout: 60 * time.Minute,
	}
}

// LoadServerConfigFromEnv overlays environment variables onto the defaults.
// DATABASE_URL and GITHUB_WEBHOOK_SECRET are required.
func LoadServerConfigFromEnv() (ServerConfig, error) {
	cfg := DefaultServerConfig()
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.GithubWebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	if cfg.GithubWebhookSecret == "" {
		return cfg, fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	cfg.BindAddr = getenv("FOUNDRY_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsAddr = getenv("FOUNDRY_METRICS_ADDR", cfg.MetricsAddr)

	var err error
	if cfg.StaleTimeout, err = getenvDuration("FOUNDRY_STALE_TIMEOUT", cfg.StaleTimeout); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = getenvDuration("FOUNDRY_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return cfg, err
	}
	if cfg.JanitorInterval, err = getenvDuration("FOUNDRY_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return cfg, err
	}
	if cfg.SchedulerTick, err = getenvDuration("FOUNDRY_SCHEDULER_TICK", cfg.SchedulerTick); err != nil {
		return cfg, err
	}
	if cfg.RateLimitRPM, err = getenvInt("FOUNDRY_RATE_LIMIT_RPM", cfg.RateLimitRPM); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = getenvInt("FOUNDRY_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	cfg.CORSAllowedOrigins = getenvCSV("FOUNDRY_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	return cfg, nil
}

// LoadAgentConfigFromEnv overlays environment variables onto the defaults.
// FOUNDRY_DISPATCH_URL is required; FOUNDRY_AGENT_ID is generated if unset.
func LoadAgentConfigFromEnv() (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	cfg.DispatchURL = os.Getenv("FOUNDRY_DISPATCH_URL")
	if cfg.DispatchURL == "" {
		return cfg, fmt.Errorf("FOUNDRY_DISPATCH_URL is required")
	}
	cfg.AgentID = os.Getenv("FOUNDRY_AGENT_ID")
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-" + uuid.NewString()
	}
	cfg.WorkspaceDir = getenv("FOUNDRY_WORKSPACE_DIR", cfg.WorkspaceDir)

	var err error
	if cfg.Workers, err = getenvInt("FOUNDRY_AGENT_WORKERS", cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = getenvDuration("FOUNDRY_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.StageTimeout, err = getenvDuration("FOUNDRY_STAGE_TIMEOUT", cfg.StageTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadIngressConfigFromEnv reads the ingress provider credentials.
func LoadIngressConfigFromEnv() IngressConfig {
	return IngressConfig{
		TunnelID:       os.Getenv("CLOUDFLARE_TUNNEL_ID"),
		APIToken:       os.Getenv("CLOUDFLARE_API_TOKEN"),
		AccountID:      os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		ZoneID:         os.Getenv("CLOUDFLARE_ZONE_ID"),
		TunnelHostname: os.Getenv("CLOUDFLARE_TUNNEL_HOSTNAME"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getenvCSV splits a comma-separated env var into a trimmed slice,
// returning def when unset. An empty string is a valid override of a
// non-empty def (e.g. to explicitly disable CORS).
func getenvCSV(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, errInt := strconv.Atoi(v)
	if errInt == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
