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

// Command foundry-agent polls the server's dispatch API for queued jobs,
// runs their stages in containers, and reconciles deployments, optionally
// publishing routes via a Cloudflare Tunnel ingress controller.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"foundry/internal/agent"
	"foundry/internal/config"
	"foundry/internal/container"
	"foundry/internal/deploy"
	"foundry/internal/ingress"
)

func redactedSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func logConfig(cfg config.AgentConfig, ingressCfg config.IngressConfig) {
	log.Printf("config: dispatch_url=%s agent_id=%s workers=%d poll_interval=%s workspace_dir=%s stage_timeout=%s",
		cfg.DispatchURL, cfg.AgentID, cfg.Workers, cfg.PollInterval, cfg.WorkspaceDir, cfg.StageTimeout)
	if ingressCfg.TunnelID != "" {
		log.Printf("ingress: tunnel_id=%s zone_id=%s tunnel_hostname=%s api_token=%s",
			ingressCfg.TunnelID, ingressCfg.ZoneID, ingressCfg.TunnelHostname, redactedSecret(ingressCfg.APIToken))
	} else {
		log.Printf("ingress: no Cloudflare Tunnel configured; deploy stages with a domain will fail")
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[foundry-agent] ")

	cfg, err := config.LoadAgentConfigFromEnv()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}
	ingressCfg := config.LoadIngressConfigFromEnv()
	logConfig(cfg, ingressCfg)

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		log.Printf("failed to create workspace dir: %v", err)
		os.Exit(1)
	}

	var ingressCtrl ingress.Controller
	if ingressCfg.TunnelID != "" {
		ingressCtrl = ingress.NewCloudflare(ingress.CloudflareConfig{
			APIToken:       ingressCfg.APIToken,
			AccountID:      ingressCfg.AccountID,
			ZoneID:         ingressCfg.ZoneID,
			TunnelID:       ingressCfg.TunnelID,
			TunnelHostname: ingressCfg.TunnelHostname,
		})
	}

	dispatchClient := agent.NewDispatchClient(cfg.DispatchURL)
	runtime := container.New()
	deployer := deploy.New(runtime, ingressCtrl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		workerCfg := agent.WorkerConfig{
			AgentID:       fmt.Sprintf("%s-%d", cfg.AgentID, i+1),
			PollInterval:  cfg.PollInterval,
			WorkspaceDir:  cfg.WorkspaceDir,
			StageTimeout:  cfg.StageTimeout,
			TunnelHost:    ingressCfg.TunnelHostname,
		}
		w := agent.NewWorker(dispatchClient, runtime, deployer, workerCfg, log.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	log.Printf("started %d worker(s)", cfg.Workers)
	<-ctx.Done()
	log.Printf("received shutdown signal, waiting for in-flight jobs to finish...")
	wg.Wait()
	log.Printf("agent stopped")
}
