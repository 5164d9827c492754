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

// Package deploy implements the deployment reconciler (spec §4.F): on a
// successful pipeline whose manifest declares [deploy], it replaces the
// long-running service under a stable name and republishes ingress routing.
package deploy

import (
	"context"
	"fmt"
	"io"

	"foundry/internal/container"
	"foundry/internal/ingress"
	"foundry/internal/manifest"
)

const foundryNetwork = "foundry"

// Spec describes one deployment reconciliation.
type Spec struct {
	Deploy      manifest.Deploy
	Image       string // pre-built image tag (dockerfile-mode); ignored in compose-mode
	GitSHA      string
	WorkspaceDir string
	TunnelHost  string // canonical host the ingress tunnel terminates at
}

// Reconciler drives container replacement and ingress updates.
type Reconciler struct {
	runtime  *container.Runtime
	ingress  ingress.Controller
}

// New constructs a Reconciler. ingressCtrl may be nil when no domain is ever
// configured; Reconcile only dereferences it when spec.Deploy.Domain is set.
func New(runtime *container.Runtime, ingressCtrl ingress.Controller) *Reconciler {
	return &Reconciler{runtime: runtime, ingress: ingressCtrl}
}

// Reconcile performs mode selection (compose up vs stop/remove/run of the
// already-built image), then, if
// Domain is set, publishes the ingress route and DNS record in that order
// (spec §4.G ordering guarantee: ensure_dns must follow ensure_route).
func (r *Reconciler) Reconcile(ctx context.Context, spec Spec, w io.Writer) error {
	if spec.Deploy.ComposeFile != "" {
		if err := r.runtime.ComposeUp(ctx, spec.Deploy.ComposeFile, spec.Deploy.Name, w); err != nil {
			return fmt.Errorf("deploy: compose up: %w", err)
		}
	} else {
		if err := r.recreateContainer(ctx, spec, w); err != nil {
			return err
		}
	}

	if spec.Deploy.Domain == "" {
		return nil
	}
	if r.ingress == nil {
		return fmt.Errorf("deploy: domain %q set but no ingress controller configured", spec.Deploy.Domain)
	}
	target := fmt.Sprintf("%s:%d", spec.Deploy.Name, spec.Deploy.Port)
	if err := r.ingress.EnsureRoute(ctx, spec.Deploy.Domain, target); err != nil {
		return fmt.Errorf("deploy: ensure route: %w", err)
	}
	if err := r.ingress.EnsureDNS(ctx, spec.Deploy.Domain, spec.TunnelHost); err != nil {
		return fmt.Errorf("deploy: ensure dns: %w", err)
	}
	return nil
}

// recreateContainer stops and removes any existing container under the
// stable name, then starts the new image. Per spec §4.F this ordering means
// a failure between stop and start leaves the service briefly absent —
// tolerated in v1, remediated by retry.
func (r *Reconciler) recreateContainer(ctx context.Context, spec Spec, w io.Writer) error {
	if err := r.runtime.Stop(ctx, spec.Deploy.Name); err != nil {
		fmt.Fprintf(w, "warning: stop existing container: %v\n", err)
	}
	runSpec := container.RunSpec{
		Image:   spec.Image,
		Name:    spec.Deploy.Name,
		Detach:  true,
		Network: foundryNetwork,
	}
	if err := r.runtime.Run(ctx, runSpec, w); err != nil {
		return fmt.Errorf("deploy: start container: %w", err)
	}
	return nil
}

// ImageTag builds the deploy image tag for dockerfile-mode deployments.
func ImageTag(deployName, gitSHA string) string {
	return container.ImageTag(deployName, gitSHA)
}
