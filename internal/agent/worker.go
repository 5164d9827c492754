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

// Package agent implements the pipeline executor (spec §4.E): it polls the
// dispatch API for claimed jobs, clones source, parses the per-repository
// foundry.toml manifest, runs ordered stages in containers, streams logs
// back in batches, and reports the job's terminal outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"foundry/internal/container"
	"foundry/internal/deploy"
	"foundry/internal/manifest"
	"foundry/internal/store"
	"foundry/pkg/foundry"
)

// WorkerConfig controls polling cadence and execution limits.
type WorkerConfig struct {
	AgentID      string
	PollInterval time.Duration // default 5s
	WorkspaceDir string
	StageTimeout time.Duration // default 60m
	KillGrace    int           // seconds between SIGTERM and SIGKILL, default 10
	TunnelHost   string        // passed through to the deploy reconciler
}

func (c *WorkerConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 10
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = os.TempDir()
	}
}

// Worker runs one polling loop. Callers run N of them concurrently for
// N-way job concurrency (spec §5).
type Worker struct {
	dispatch *DispatchClient
	runtime  *container.Runtime
	deployer *deploy.Reconciler
	cfg      WorkerConfig
	logger   *log.Logger
	now      func() time.Time
	git      GitFunc
}

// NewWorker constructs a Worker.
func NewWorker(dispatch *DispatchClient, runtime *container.Runtime, deployer *deploy.Reconciler, cfg WorkerConfig, logger *log.Logger) *Worker {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		dispatch: dispatch,
		runtime:  runtime,
		deployer: deployer,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		git:      defaultGit,
	}
}

func (w *Worker) logf(format string, args ...any) {
	w.logger.Printf("[agent %s] %s", w.cfg.AgentID, fmt.Sprintf(format, args...))
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting; poll=%s", w.cfg.PollInterval)
	defer w.logf("stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.dispatch.Claim(ctx, w.cfg.AgentID)
		if err != nil {
			w.logf("claim error: %v", err)
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		if claimed == nil {
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		w.logf("claimed job id=%d repo=%d sha=%s", claimed.Job.ID, claimed.Job.RepositoryID, claimed.Job.GitSHA)
		if err := w.processJob(ctx, claimed); err != nil {
			w.logf("job %d processing error: %v", claimed.Job.ID, err)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.cfg.PollInterval):
		return true
	}
}

// repoLock returns a mutex scoped to repoID, serializing deploy-mode jobs
// within a repository (spec §5). The lock table is shared by every Worker
// in the process, since each Worker runs only one job at a time.
func (w *Worker) repoLock(repoID int64) *sync.Mutex {
	repoLocksMu.Lock()
	defer repoLocksMu.Unlock()
	m, ok := repoLocks[repoID]
	if !ok {
		m = &sync.Mutex{}
		repoLocks[repoID] = m
	}
	return m
}

var (
	repoLocksMu sync.Mutex
	repoLocks   = make(map[int64]*sync.Mutex)
)

// processJob runs the full per-job lifecycle: workspace, clone, manifest,
// stage registration and execution, optional deploy, and terminal report.
func (w *Worker) processJob(ctx context.Context, claimed *ClaimResult) error {
	job := claimed.Job
	token := claimed.ClaimToken

	ws, err := newWorkspace(w.cfg.WorkspaceDir, job.ID)
	if err != nil {
		_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr(err.Error()))
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(ws); rmErr != nil {
			w.logf("job %d: workspace cleanup error: %v", job.ID, rmErr)
		}
	}()

	sha := job.GitSHA
	if err := w.runCloneStage(ctx, job.ID, token, ws, claimed.Repository.CloneURL, &sha); err != nil {
		_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr("clone: "+err.Error()))
		return err
	}

	m, err := w.readManifest(ws)
	if err != nil {
		_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr("manifest: "+err.Error()))
		return err
	}

	stages := m.EffectiveStages()
	specs := make([]store.StageSpec, 0, len(stages))
	for _, st := range stages {
		specs = append(specs, store.StageSpec{Name: st.Name, Command: st.Command, Image: st.Image})
	}
	if m.Deploy != nil {
		specs = append(specs, store.StageSpec{Name: "deploy", Command: "", Image: ""})
	}
	if err := w.dispatch.RegisterStages(ctx, job.ID, token, specs); err != nil {
		_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr("register stages: "+err.Error()))
		return err
	}

	var lock *sync.Mutex
	if m.Deploy != nil {
		lock = w.repoLock(job.RepositoryID)
		lock.Lock()
		defer lock.Unlock()
	}

	buildImage := m.Build.Image
	for _, st := range stages {
		image := st.Image
		if image == "" {
			image = buildImage
		}
		if m.Build.Dockerfile != "" && st.Name == "build" {
			tag := fmt.Sprintf("foundry-build-%d", job.ID)
			if err := w.runBuildStage(ctx, job.ID, token, ws, m.Build.Dockerfile, tag); err != nil {
				_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr("build: "+err.Error()))
				return err
			}
			image = tag
			buildImage = tag
		}
		if st.Command == "" {
			continue
		}
		ok, err := w.runStage(ctx, job.ID, token, ws, st.Name, image, st.Command, m.Env)
		if err != nil || !ok {
			if err != nil {
				w.logf("job %d: stage %s error: %v", job.ID, st.Name, err)
			}
			_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr(fmt.Sprintf("stage %s failed", st.Name)))
			return err
		}
	}

	if m.Deploy != nil {
		if err := w.runDeployStage(ctx, job.ID, token, ws, *m.Deploy, buildImage, sha); err != nil {
			_ = w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusFailed, strPtr("deploy: "+err.Error()))
			return err
		}
	}

	return w.dispatch.CompleteJob(ctx, job.ID, token, foundry.JobStatusSuccess, nil)
}

// runCloneStage registers and executes the synthetic "clone" stage (spec
// §4.E step 3), resolving *sha to the checked-out commit when the scheduler
// left a sentinel SHA for the agent to resolve.
func (w *Worker) runCloneStage(ctx context.Context, jobID int64, token, ws, cloneURL string, sha *string) error {
	const name = "clone"
	if err := w.dispatch.RegisterStages(ctx, jobID, token, []store.StageSpec{{Name: name, Command: "git clone", Image: ""}}); err != nil {
		return err
	}
	if err := w.dispatch.StartStage(ctx, jobID, token, name); err != nil {
		return err
	}

	flusher := newLogFlusher(func(startSeq int64, batch []string) {
		_ = w.dispatch.AppendLog(ctx, jobID, token, name, startSeq, batch, w.now)
	})
	lw := newLineWriter(flusher.append)

	err := cloneSource(ctx, w.git, cloneURL, *sha, ws, lw.onLine)
	lw.close()
	flusher.close()

	if err != nil {
		_ = w.dispatch.FinishStage(ctx, jobID, token, name, foundry.StageStatusFailed, nil, strPtr(err.Error()))
		return err
	}
	if *sha == "" || *sha == "HEAD" {
		resolved, resolveErr := resolvedHeadSHA(ctx, w.git, ws)
		if resolveErr == nil {
			*sha = resolved
		}
	}
	return w.dispatch.FinishStage(ctx, jobID, token, name, foundry.StageStatusSuccess, intPtr(0), nil)
}

func (w *Worker) readManifest(ws string) (*manifest.Manifest, error) {
	raw, err := os.ReadFile(ws + "/foundry.toml")
	if err != nil {
		return nil, fmt.Errorf("read foundry.toml: %w", err)
	}
	return manifest.Parse(raw)
}

// runBuildStage builds the Dockerfile-mode image before the "build" stage's
// command stage runs inside it.
func (w *Worker) runBuildStage(ctx context.Context, jobID int64, token, ws, dockerfile, tag string) error {
	stageCtx, cancel := withStageTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()
	flusher := newLogFlusher(func(startSeq int64, batch []string) {
		_ = w.dispatch.AppendLog(ctx, jobID, token, "build", startSeq, batch, w.now)
	})
	lw := newLineWriter(flusher.append)
	err := w.runtime.Build(stageCtx, ws, dockerfile, tag, lw)
	lw.close()
	flusher.close()
	return err
}

// runStage executes one manifest stage's command inside a container,
// streaming merged output and honoring the per-stage wall-clock timeout.
// Returns ok=false (no Go error) when the container exited non-zero, so the
// caller can distinguish a clean stage failure from an infrastructure error.
func (w *Worker) runStage(ctx context.Context, jobID int64, token, ws, name, image, command string, env map[string]string) (bool, error) {
	if err := w.dispatch.StartStage(ctx, jobID, token, name); err != nil {
		return false, err
	}

	stageCtx, cancel := withStageTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()

	containerName := fmt.Sprintf("foundry-stage-%d-%s", jobID, name)
	flusher := newLogFlusher(func(startSeq int64, batch []string) {
		_ = w.dispatch.AppendLog(ctx, jobID, token, name, startSeq, batch, w.now)
	})
	lw := newLineWriter(flusher.append)

	spec := container.RunSpec{
		Image:             image,
		Command:           []string{"sh", "-c", command},
		Env:               env,
		WorkingDir:        "/workspace",
		WorkspaceHostPath: ws,
		Name:              containerName,
	}

	done := make(chan error, 1)
	go func() { done <- w.runtime.Run(stageCtx, spec, lw) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-stageCtx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = w.runtime.Kill(killCtx, containerName, w.cfg.KillGrace)
		killCancel()
		runErr = <-done
		if runErr == nil {
			runErr = errors.New("timeout")
		}
	}

	lw.close()
	flusher.close()

	if runErr == nil {
		return true, w.dispatch.FinishStage(ctx, jobID, token, name, foundry.StageStatusSuccess, intPtr(0), nil)
	}

	var cerr *container.Error
	exitCode := -1
	msg := runErr.Error()
	if errors.As(runErr, &cerr) {
		exitCode = cerr.Code
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		msg = "timeout"
	}
	if err := w.dispatch.FinishStage(ctx, jobID, token, name, foundry.StageStatusFailed, &exitCode, &msg); err != nil {
		return false, err
	}
	return false, nil
}

// runDeployStage invokes the deployment reconciler (spec §4.F) as a
// synthetic "deploy" stage.
func (w *Worker) runDeployStage(ctx context.Context, jobID int64, token, ws string, dep manifest.Deploy, image, gitSHA string) error {
	const name = "deploy"
	if err := w.dispatch.StartStage(ctx, jobID, token, name); err != nil {
		return err
	}

	flusher := newLogFlusher(func(startSeq int64, batch []string) {
		_ = w.dispatch.AppendLog(ctx, jobID, token, name, startSeq, batch, w.now)
	})
	lw := newLineWriter(flusher.append)

	tag := image
	if dep.ComposeFile == "" && tag == "" {
		tag = deploy.ImageTag(dep.Name, gitSHA)
	}
	spec := deploy.Spec{Deploy: dep, Image: tag, GitSHA: gitSHA, WorkspaceDir: ws, TunnelHost: w.cfg.TunnelHost}
	err := w.deployer.Reconcile(ctx, spec, lw)
	lw.close()
	flusher.close()

	if err != nil {
		_ = w.dispatch.FinishStage(ctx, jobID, token, name, foundry.StageStatusFailed, nil, strPtr(err.Error()))
		return err
	}
	return w.dispatch.FinishStage(ctx, jobID, token, name, foundry.StageStatusSuccess, intPtr(0), nil)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
