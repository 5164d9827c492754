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

package deploy

import (
	"bytes"
	"context"
	"os/exec"
	"testing"

	"foundry/internal/container"
	"foundry/internal/ingress"
	"foundry/internal/manifest"
)

func fakeExec(script string) container.ExecFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestReconcileContainerModeWithDomain(t *testing.T) {
	rt := container.NewWithExec(fakeExec("echo ok"))
	ctrl := ingress.NewFake()
	r := New(rt, ctrl)

	spec := Spec{
		Deploy:     manifest.Deploy{Name: "my-app", Domain: "app.example.com", Port: 3000},
		Image:      "my-app:abc123",
		GitSHA:     "abc123",
		TunnelHost: "tunnel.example.com",
	}
	var buf bytes.Buffer
	if err := r.Reconcile(context.Background(), spec, &buf); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ctrl.Routes["app.example.com"] != "my-app:3000" {
		t.Fatalf("unexpected route: %v", ctrl.Routes)
	}
	if ctrl.DNS["app.example.com"] != "tunnel.example.com" {
		t.Fatalf("unexpected dns: %v", ctrl.DNS)
	}
	if len(ctrl.Order) != 2 || ctrl.Order[0] != "route:app.example.com" || ctrl.Order[1] != "dns:app.example.com" {
		t.Fatalf("expected route before dns, got %v", ctrl.Order)
	}
}

func TestReconcileComposeModeSkipsIngressWithoutDomain(t *testing.T) {
	rt := container.NewWithExec(fakeExec("echo ok"))
	r := New(rt, nil)

	spec := Spec{Deploy: manifest.Deploy{Name: "stack", ComposeFile: "docker-compose.yml"}}
	var buf bytes.Buffer
	if err := r.Reconcile(context.Background(), spec, &buf); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestReconcileMissingIngressControllerErrors(t *testing.T) {
	rt := container.NewWithExec(fakeExec("echo ok"))
	r := New(rt, nil)

	spec := Spec{Deploy: manifest.Deploy{Name: "my-app", Domain: "app.example.com", Port: 3000}, Image: "my-app:abc"}
	var buf bytes.Buffer
	if err := r.Reconcile(context.Background(), spec, &buf); err == nil {
		t.Fatalf("expected error when domain set without an ingress controller")
	}
}
