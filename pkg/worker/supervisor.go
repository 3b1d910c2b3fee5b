// Copyright 2025 Deckhand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/deckhand-io/deckhand/pkg/constants"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/metrics"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
	"github.com/deckhand-io/deckhand/pkg/worker/capability"
	"github.com/deckhand-io/deckhand/pkg/worker/logstream"
)

// trackedRun is the supervisor's bookkeeping for one live process.
type trackedRun struct {
	handle *Handle
	cmd    *exec.Cmd
	done   chan models.WorkerRunResult
	exited chan struct{}
	token  capability.Token

	mu              sync.Mutex
	cancelRequested bool
}

// DefaultSupervisor launches worker processes with os/exec. Each run gets a
// scoped log directory (preserved) and a disposable output directory
// (removed on exit), and a minimal explicit environment.
type DefaultSupervisor struct {
	executable  string
	dataDir     string
	gracePeriod time.Duration
	fsService   filesystem.Service
	caps        *capability.Registry
	log         *zap.SugaredLogger

	mu         sync.Mutex
	registered bool
	resolved   string
	runs       map[string]*trackedRun
}

// NewDefaultSupervisor creates a supervisor launching the given executable.
func NewDefaultSupervisor(executable, dataDir string, gracePeriod time.Duration, fsService filesystem.Service, caps *capability.Registry) *DefaultSupervisor {
	if gracePeriod <= 0 {
		gracePeriod = constants.DefaultWorkerGracePeriod
	}

	return &DefaultSupervisor{
		executable:  executable,
		dataDir:     dataDir,
		gracePeriod: gracePeriod,
		fsService:   fsService,
		caps:        caps,
		log:         logger.For(logger.ComponentWorkerSupervisor),
		runs:        make(map[string]*trackedRun),
	}
}

// RunDir returns the disposable output directory for a run.
func (s *DefaultSupervisor) RunDir(runID string) string {
	return filepath.Join(s.dataDir, constants.RunsDirName, runID)
}

// LogDir returns the preserved log directory for a run.
func (s *DefaultSupervisor) LogDir(runID string) string {
	return filepath.Join(s.dataDir, constants.LogsDirName, runID)
}

// Register resolves the worker executable and prepares the base directories.
// It is idempotent; repeated calls after a success are no-ops.
func (s *DefaultSupervisor) Register(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return nil
	}

	resolved, err := exec.LookPath(s.executable)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, s.executable, err)
	}

	for _, dir := range []string{
		filepath.Join(s.dataDir, constants.RunsDirName),
		filepath.Join(s.dataDir, constants.LogsDirName),
	} {
		if err := s.fsService.EnsureDirectory(ctx, dir); err != nil {
			return fmt.Errorf("failed to prepare %s: %w", dir, err)
		}
	}

	s.resolved = resolved
	s.registered = true
	s.log.Infof("Registered worker executable %s", resolved)

	return nil
}

// Running reports whether the run is still tracked.
func (s *DefaultSupervisor) Running(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.runs[runID]

	return ok
}

// Launch starts one worker process. On any launch failure the scoped
// directories are removed and no handle is tracked.
func (s *DefaultSupervisor) Launch(ctx context.Context, req models.WorkerRunRequest) (*Handle, error) {
	s.mu.Lock()
	registered := s.registered
	executable := s.resolved
	s.mu.Unlock()

	if !registered {
		return nil, ErrNotRegistered
	}

	logDir := req.LogDir
	if logDir == "" {
		logDir = s.LogDir(req.RunID)
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = s.RunDir(req.RunID)
	}

	req.LogDir = logDir
	req.OutputDir = outputDir

	cleanupDirs := func() {
		_ = s.fsService.RemoveAll(ctx, outputDir)
		_ = s.fsService.RemoveAll(ctx, logDir)
	}

	if err := s.fsService.EnsureDirectory(ctx, logDir); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := s.fsService.EnsureDirectory(ctx, outputDir); err != nil {
		cleanupDirs()

		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	token := capability.Token(req.CapabilityToken)
	if len(token) == 0 {
		var err error

		token, err = s.caps.Acquire(outputDir)
		if err != nil {
			cleanupDirs()

			return nil, fmt.Errorf("%w: %v", ErrMissingCapability, err)
		}

		req.CapabilityToken = []byte(token)
	} else if _, err := s.caps.Resolve(token); err != nil {
		cleanupDirs()

		return nil, fmt.Errorf("%w: %v", ErrMissingCapability, err)
	}

	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		s.caps.Release(token)
		cleanupDirs()

		return nil, fmt.Errorf("%w: %v", ErrEncodePayload, err)
	}

	payloadPath := filepath.Join(outputDir, constants.PayloadFileName)
	if err := s.fsService.WriteFileAtomic(ctx, payloadPath, payload, 0o600); err != nil {
		s.caps.Release(token)
		cleanupDirs()

		return nil, fmt.Errorf("%w: %v", ErrEncodePayload, err)
	}

	logPath := filepath.Join(logDir, constants.WorkerLogFileName)

	args := append([]string{"--payload", payloadPath}, req.ExtraArgs...)
	cmd := exec.Command(executable, args...)
	cmd.Dir = outputDir

	// The worker inherits nothing from the parent's ambient environment
	// beyond PATH; everything else comes from the request.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"DECKHAND_RUN_ID=" + req.RunID,
		"DECKHAND_FLOW=" + req.Flow,
		"DECKHAND_BACKEND=" + string(req.Backend),
		"DECKHAND_LOG_DIR=" + logDir,
		"DECKHAND_OUTPUT_DIR=" + outputDir,
		"DECKHAND_ALLOW_NETWORK=" + strconv.FormatBool(req.AllowNetwork),
		"DECKHAND_CAPABILITY_TOKEN=" + string(token),
	}

	// Own process group, so cancellation reaches the worker's children too.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	stdout, err := os.OpenFile(filepath.Join(logDir, "console.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.caps.Release(token)
		cleanupDirs()

		return nil, fmt.Errorf("failed to open console log: %w", err)
	}

	cmd.Stdout = stdout
	cmd.Stderr = stdout

	started := time.Now()

	if err := cmd.Start(); err != nil {
		stdout.Close()
		s.caps.Release(token)
		cleanupDirs()

		return nil, fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
	}

	done := make(chan models.WorkerRunResult, 1)
	handle := &Handle{
		RunID:     req.RunID,
		PID:       cmd.Process.Pid,
		LogDir:    logDir,
		OutputDir: outputDir,
		LogPath:   logPath,
		Done:      done,
	}

	run := &trackedRun{handle: handle, cmd: cmd, done: done, exited: make(chan struct{}), token: token}

	s.mu.Lock()
	s.runs[req.RunID] = run
	s.mu.Unlock()

	s.log.Infof("Launched run %s (pid %d) for card %s flow %s", req.RunID, handle.PID, req.CardKey, req.Flow)

	go s.reap(run, stdout, started)

	return handle, nil
}

// reap waits for the process to exit, assembles the terminal result, cleans
// the output directory and delivers the result exactly once.
func (s *DefaultSupervisor) reap(run *trackedRun, stdout *os.File, started time.Time) {
	err := run.cmd.Wait()
	stdout.Close()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	run.mu.Lock()
	canceled := run.cancelRequested
	run.mu.Unlock()

	result := models.WorkerRunResult{
		ExitCode:   exitCode,
		DurationMs: time.Since(started).Milliseconds(),
	}

	switch {
	case canceled:
		result.Status = models.RunCanceled
	case exitCode == 0:
		result.Status = models.RunSucceeded
	default:
		result.Status = models.RunFailed
	}

	// Best effort: the worker's own finished record carries richer numbers.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if final, ok := logstream.FinalResult(ctx, s.fsService, run.handle.LogPath); ok && !canceled {
		result = final
	}

	if err := s.fsService.RemoveAll(ctx, run.handle.OutputDir); err != nil {
		s.log.Warnf("Failed to remove output directory for run %s: %v", run.handle.RunID, err)
		metrics.IncErrorCount(metrics.ComponentWorkerSupervisor, run.handle.RunID)
	}

	s.caps.Release(run.token)

	s.mu.Lock()
	delete(s.runs, run.handle.RunID)
	s.mu.Unlock()

	s.log.Infof("Run %s exited with status %s (code %d)", run.handle.RunID, result.Status, exitCode)

	run.done <- result
	close(run.done)
	close(run.exited)
}

// Cancel terminates the tracked process for the run. It is idempotent: if the
// run is unknown or already exited it still removes the output directory.
func (s *DefaultSupervisor) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()

	if !ok {
		// Already exited or never launched; cleanup is still owed.
		return s.fsService.RemoveAll(ctx, s.RunDir(runID))
	}

	run.mu.Lock()
	alreadyRequested := run.cancelRequested
	run.cancelRequested = true
	run.mu.Unlock()

	if alreadyRequested {
		return nil
	}

	pgid := -run.cmd.Process.Pid

	s.log.Infof("Cancelling run %s (pid %d)", runID, run.cmd.Process.Pid)

	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		s.log.Debugf("SIGTERM for run %s: %v", runID, err)
	}

	select {
	case <-run.exited:
		return nil
	case <-time.After(s.gracePeriod):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := unix.Kill(pgid, unix.SIGKILL); err != nil {
		s.log.Debugf("SIGKILL for run %s: %v", runID, err)
	}

	// Never hang on a process that refuses to die; report it as leaked.
	select {
	case <-run.exited:
	case <-time.After(s.gracePeriod):
		s.log.Errorf("Run %s did not exit after SIGKILL, treating process %d as leaked", runID, run.cmd.Process.Pid)
		metrics.IncErrorCount(metrics.ComponentWorkerSupervisor, runID)
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}
