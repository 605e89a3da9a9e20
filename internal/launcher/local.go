// Copyright 2025 Tom Barlow
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

package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tombee/simfleet/internal/job"
	"github.com/tombee/simfleet/internal/workspace"
)

// Local runs the engine as a child process on this host.
type Local struct {
	// SlotName identifies the worker slot (e.g. "Worker 1").
	SlotName string

	// EnginePath overrides the command's executable when set.
	EnginePath string

	// Priority lowers the child's scheduling priority when > 0 (nice
	// semantics; ignored on platforms without setpriority).
	Priority int

	// Logger receives debug output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Name returns the worker slot name.
func (l *Local) Name() string {
	if l.SlotName == "" {
		return "local"
	}
	return l.SlotName
}

// Run rewrites the per-job engine settings inside the working copy, spawns
// the engine with the workspace as working directory, and blocks until exit
// or timeout. Combined stdout/stderr is captured to a log file inside the
// workspace.
func (l *Local) Run(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*Outcome, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := writeSettings(handle, spec); err != nil {
		return nil, job.NewError(job.ErrorKindProcessLaunch, spec.ID, "preparing engine settings", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	argv := append([]string(nil), spec.Command...)
	if l.EnginePath != "" {
		argv[0] = l.EnginePath
	}

	logPath := filepath.Join(handle.Root, logFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, job.NewError(job.ErrorKindProcessLaunch, spec.ID, "opening log file", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = handle.Root
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Give the process a moment to flush after the kill signal before
	// Wait force-closes its pipes.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, job.NewError(job.ErrorKindProcessLaunch, spec.ID, "starting engine process", err)
	}

	if l.Priority > 0 {
		if err := lowerPriority(cmd.Process.Pid, l.Priority); err != nil {
			logger.Warn("could not lower engine priority",
				slog.String("job_id", spec.ID), slog.Any("error", err))
		}
	}

	waitErr := cmd.Wait()
	outcome := &Outcome{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
		LogPath:  logPath,
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		// The per-job budget expired; the process was force-terminated.
		return outcome, job.NewError(job.ErrorKindTimeout, spec.ID,
			fmt.Sprintf("engine exceeded %s budget", spec.Timeout), runCtx.Err())
	}
	if ctx.Err() != nil {
		return outcome, job.NewError(job.ErrorKindTimeout, spec.ID, "run cancelled", ctx.Err())
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return outcome, job.NewError(job.ErrorKindProcessLaunch, spec.ID,
				fmt.Sprintf("engine exited with code %d", exitErr.ExitCode()), waitErr)
		}
		return outcome, job.NewError(job.ErrorKindProcessLaunch, spec.ID, "engine process failed", waitErr)
	}

	logger.Debug("engine run complete",
		slog.String("job_id", spec.ID),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Int64("duration_ms", outcome.Duration.Milliseconds()))

	return outcome, nil
}
