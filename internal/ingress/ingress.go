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

// Package ingress abstracts the tunneling provider that publishes ingress
// routes and DNS records (spec §4.G). The reference binding targets
// Cloudflare Tunnel; any provider satisfying Controller can be substituted.
package ingress

import "context"

// Controller is the abstract interface over the tunneling provider.
// Every method must be idempotent: calling it again with the same
// arguments is a no-op (spec §4.F "The controller must be idempotent").
type Controller interface {
	// EnsureRoute routes host's HTTPS traffic to http://target, where
	// target is "container_name:port" reachable within the tunnel runtime.
	EnsureRoute(ctx context.Context, host, target string) error
	// RemoveRoute removes any route previously published for host.
	RemoveRoute(ctx context.Context, host string) error
	// EnsureDNS CNAMEs host to canonical. Callers must call this after
	// EnsureRoute; the reverse order can cause a brief 502 window.
	EnsureDNS(ctx context.Context, host, canonical string) error
}
