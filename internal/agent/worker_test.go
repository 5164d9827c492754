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

package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"foundry/internal/container"
	"foundry/internal/deploy"
	"foundry/internal/dispatch"
	"foundry/internal/store"
	"foundry/pkg/foundry"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	api := dispatch.New(s, nil)
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, s
}

// fakeGit substitutes a local directory copy for `git clone`/`checkout`, so
// the test doesn't need network access or a real git binary behaving
// predictably across environments.
func fakeGit(sourceDir string) GitFunc {
	return func(ctx context.Context, args ...string) *exec.Cmd {
		if len(args) > 0 && args[0] == "clone" {
			return exec.CommandContext(ctx, "sh", "-c", "cp -r "+sourceDir+"/. . && echo cloned")
		}
		return exec.CommandContext(ctx, "sh", "-c", "echo "+args[len(args)-1])
	}
}

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "foundry.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestProcessJobHappyPath(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	source := t.TempDir()
	writeManifest(t, source, `
[build]
image = "alpine"

[[stages]]
name = "test"
image = "alpine"
command = "echo ok"
`)

	repo, err := s.GetOrCreateRepository(ctx, "acme", "demo", source, "main", "", "")
	if err != nil {
		t.Fatalf("get or create repository: %v", err)
	}
	jobID, err := s.EnqueueJob(ctx, repo.ID, "HEAD", "refs/heads/main", foundry.CommitMeta{}, nil, nil)
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}

	client := NewDispatchClient(srv.URL)
	rt := container.NewWithExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo running")
	})
	w := NewWorker(client, rt, deploy.New(rt, nil), WorkerConfig{AgentID: "agent-1", WorkspaceDir: t.TempDir()}, nil)
	w.git = fakeGit(source)

	claimed, err := client.Claim(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.Job.ID != jobID {
		t.Fatalf("expected to claim job %d, got %+v", jobID, claimed)
	}

	if err := w.processJob(ctx, claimed); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != foundry.JobStatusSuccess {
		t.Fatalf("expected job success, got %s (err=%v)", job.Status, job.ErrorMessage)
	}
}

func TestProcessJobStageFailureMarksJobFailed(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	source := t.TempDir()
	writeManifest(t, source, `
[build]
image = "alpine"

[[stages]]
name = "test"
image = "alpine"
command = "false"
`)

	repo, _ := s.GetOrCreateRepository(ctx, "acme", "demo2", source, "main", "", "")
	jobID, _ := s.EnqueueJob(ctx, repo.ID, "HEAD", "refs/heads/main", foundry.CommitMeta{}, nil, nil)

	client := NewDispatchClient(srv.URL)
	rt := container.NewWithExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 1")
	})
	w := NewWorker(client, rt, deploy.New(rt, nil), WorkerConfig{AgentID: "agent-1", WorkspaceDir: t.TempDir()}, nil)
	w.git = fakeGit(source)

	claimed, err := client.Claim(ctx, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	_ = w.processJob(ctx, claimed)

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != foundry.JobStatusFailed {
		t.Fatalf("expected job failed, got %s", job.Status)
	}
}
