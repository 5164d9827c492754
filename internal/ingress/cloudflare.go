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

package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

// CloudflareConfig carries the credentials and identifiers needed to manage
// a Cloudflare Tunnel's published routes and a zone's DNS records.
type CloudflareConfig struct {
	APIToken         string
	AccountID        string
	ZoneID           string
	TunnelID         string
	TunnelHostname   string // the tunnel's canonical CNAME target
}

// Cloudflare binds Controller to the Cloudflare Tunnel + DNS REST API. No
// Cloudflare SDK appears anywhere in the retrieval pack, so the binding
// speaks the REST API directly over net/http, the same client idiom the
// dispatch client uses against the Foundry server itself.
type Cloudflare struct {
	cfg     CloudflareConfig
	client  *http.Client
	baseURL string
}

// NewCloudflare constructs a Cloudflare-backed Controller.
func NewCloudflare(cfg CloudflareConfig) *Cloudflare {
	return &Cloudflare{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}, baseURL: cloudflareAPIBase}
}

type tunnelConfigResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Config tunnelConfig `json:"config"`
	} `json:"result"`
	Errors []cfError `json:"errors"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tunnelConfig struct {
	Ingress []tunnelIngressRule `json:"ingress"`
}

type tunnelIngressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
}

// EnsureRoute upserts a hostname->service rule in the tunnel's ingress
// configuration. Idempotent: reads the current config, replaces or appends
// the rule for host, and writes the whole document back (Cloudflare Tunnel
// configuration is whole-document, not per-rule).
func (c *Cloudflare) EnsureRoute(ctx context.Context, host, target string) error {
	cfg, err := c.getTunnelConfig(ctx)
	if err != nil {
		return err
	}
	service := "http://" + target
	replaced := false
	for i, rule := range cfg.Ingress {
		if rule.Hostname == host {
			cfg.Ingress[i].Service = service
			replaced = true
			break
		}
	}
	if !replaced {
		catchAll := popCatchAll(&cfg)
		cfg.Ingress = append(cfg.Ingress, tunnelIngressRule{Hostname: host, Service: service})
		cfg.Ingress = append(cfg.Ingress, catchAll)
	}
	return c.putTunnelConfig(ctx, cfg)
}

// RemoveRoute deletes the ingress rule for host, if present.
func (c *Cloudflare) RemoveRoute(ctx context.Context, host string) error {
	cfg, err := c.getTunnelConfig(ctx)
	if err != nil {
		return err
	}
	kept := cfg.Ingress[:0]
	for _, rule := range cfg.Ingress {
		if rule.Hostname != host {
			kept = append(kept, rule)
		}
	}
	cfg.Ingress = kept
	return c.putTunnelConfig(ctx, cfg)
}

// popCatchAll removes and returns the trailing catch-all rule (hostname ""),
// synthesizing a 404 responder if none exists, so rules can be re-appended
// after it (Cloudflare requires the catch-all to be last).
func popCatchAll(cfg *tunnelConfig) tunnelIngressRule {
	n := len(cfg.Ingress)
	if n > 0 && cfg.Ingress[n-1].Hostname == "" {
		last := cfg.Ingress[n-1]
		cfg.Ingress = cfg.Ingress[:n-1]
		return last
	}
	return tunnelIngressRule{Service: "http_status:404"}
}

func (c *Cloudflare) getTunnelConfig(ctx context.Context) (tunnelConfig, error) {
	url := fmt.Sprintf("%s/accounts/%s/cfd_tunnel/%s/configurations", c.baseURL, c.cfg.AccountID, c.cfg.TunnelID)
	var out tunnelConfigResponse
	if err := c.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return tunnelConfig{}, err
	}
	return out.Result.Config, nil
}

func (c *Cloudflare) putTunnelConfig(ctx context.Context, cfg tunnelConfig) error {
	url := fmt.Sprintf("%s/accounts/%s/cfd_tunnel/%s/configurations", c.baseURL, c.cfg.AccountID, c.cfg.TunnelID)
	body, err := json.Marshal(map[string]any{"config": cfg})
	if err != nil {
		return fmt.Errorf("ingress: marshal tunnel config: %w", err)
	}
	var out tunnelConfigResponse
	return c.do(ctx, http.MethodPut, url, body, &out)
}

type dnsRecordListResponse struct {
	Success bool        `json:"success"`
	Result  []dnsRecord `json:"result"`
	Errors  []cfError   `json:"errors"`
}

type dnsRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

// EnsureDNS upserts a proxied CNAME record for host -> canonical.
func (c *Cloudflare) EnsureDNS(ctx context.Context, host, canonical string) error {
	listURL := fmt.Sprintf("%s/zones/%s/dns_records?type=CNAME&name=%s", c.baseURL, c.cfg.ZoneID, host)
	var list dnsRecordListResponse
	if err := c.do(ctx, http.MethodGet, listURL, nil, &list); err != nil {
		return err
	}
	rec := dnsRecord{Type: "CNAME", Name: host, Content: canonical, Proxied: true}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ingress: marshal dns record: %w", err)
	}
	if len(list.Result) > 0 {
		updateURL := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.baseURL, c.cfg.ZoneID, list.Result[0].ID)
		var out dnsRecordListResponse
		return c.do(ctx, http.MethodPut, updateURL, body, &out)
	}
	createURL := fmt.Sprintf("%s/zones/%s/dns_records", c.baseURL, c.cfg.ZoneID)
	var out dnsRecordListResponse
	return c.do(ctx, http.MethodPost, createURL, body, &out)
}

func (c *Cloudflare) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("ingress: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingress: cloudflare request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingress: cloudflare returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ingress: decode cloudflare response: %w", err)
	}
	return nil
}
