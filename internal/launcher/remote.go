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
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/simfleet/internal/job"
	"github.com/tombee/simfleet/internal/transport"
	"github.com/tombee/simfleet/internal/workspace"
)

// Remote dispatches the engine onto another host through a
// remote-execution transport. The workspace is first mirrored to the
// worker's shared path, which must be visible under the same path on both
// ends (a network share or NFS mount).
type Remote struct {
	// SlotName identifies the worker slot (the WorkerConfig name).
	SlotName string

	// Transport executes commands on the remote host.
	Transport transport.Transport

	// SharedPath is the network-visible mirror location for workspaces.
	SharedPath string

	// EnginePath is the engine executable path on the remote host.
	EnginePath string

	// SessionID identifies the interactive session the engine must run
	// in. Zero means no session requirement.
	SessionID int

	// Priority lowers the remote engine's scheduling priority when > 0,
	// rendered as a nice increment on the remote command line.
	Priority int

	// PollInterval is the artifact stability polling cadence for
	// session-bound runs whose exit the transport cannot observe.
	// Default: 2s.
	PollInterval time.Duration

	// MaxWait bounds artifact polling when the job spec carries no
	// timeout. Default: 24h.
	MaxWait time.Duration

	// Logger receives debug output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Name returns the worker slot name.
func (r *Remote) Name() string {
	if r.SlotName == "" {
		return "remote"
	}
	return r.SlotName
}

// Run mirrors the workspace to the shared path, dispatches the engine on
// the remote host, waits for completion, and pulls produced files back into
// the workspace so consolidation proceeds exactly as for local runs.
func (r *Remote) Run(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*Outcome, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := writeSettings(handle, spec); err != nil {
		return nil, job.NewError(job.ErrorKindProcessLaunch, spec.ID, "preparing engine settings", err)
	}

	mirror := filepath.Join(r.SharedPath, filepath.Base(handle.Root))
	if err := workspace.CopyTree(ctx, handle.Root, mirror); err != nil {
		return nil, job.NewError(job.ErrorKindRemoteDispatch, spec.ID,
			fmt.Sprintf("mirroring workspace to %s", r.SharedPath), err)
	}
	defer os.RemoveAll(mirror)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()

	var outcome *Outcome
	var runErr error
	if r.SessionID > 0 && !r.Transport.ReportsExitStatus() {
		outcome, runErr = r.runDetached(runCtx, mirror, spec, logger)
	} else {
		outcome, runErr = r.runAttached(runCtx, mirror, spec, logger)
	}
	if outcome != nil {
		outcome.Duration = time.Since(start)
	}

	// Pull everything back, even after failure: partial artifacts and the
	// remote log are evidence for consolidation-on-failure or debugging.
	if err := workspace.CopyTree(context.WithoutCancel(ctx), mirror, handle.Root); err != nil && runErr == nil {
		runErr = job.NewError(job.ErrorKindRemoteDispatch, spec.ID, "retrieving mirrored workspace", err)
	}

	if outcome != nil {
		logPath := filepath.Join(handle.Root, logFileName)
		if _, err := os.Stat(logPath); err == nil {
			outcome.LogPath = logPath
		}
	}
	return outcome, runErr
}

// runAttached executes the command and waits for the transport to report
// its exit status.
func (r *Remote) runAttached(ctx context.Context, mirror string, spec job.Spec, logger *slog.Logger) (*Outcome, error) {
	res, err := r.Transport.Exec(ctx, transport.Command{
		Line:      r.commandLine(spec),
		Dir:       mirror,
		SessionID: r.SessionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			r.terminate(spec, logger)
			return &Outcome{ExitCode: -1}, job.NewError(job.ErrorKindTimeout, spec.ID,
				"remote run exceeded budget", ctx.Err())
		}
		return nil, classifyDispatchError(spec.ID, err)
	}

	if err := os.WriteFile(filepath.Join(mirror, logFileName), res.Output, 0o644); err != nil {
		logger.Warn("could not write remote engine log",
			slog.String("job_id", spec.ID), slog.Any("error", err))
	}

	outcome := &Outcome{ExitCode: res.ExitCode}
	if res.ExitCode != 0 {
		return outcome, job.NewError(job.ErrorKindProcessLaunch, spec.ID,
			fmt.Sprintf("engine exited with code %d", res.ExitCode), nil)
	}
	return outcome, nil
}

// runDetached starts the command without waiting and detects completion by
// artifact appearance and stability: a matching artifact whose size is
// unchanged across two successive polls.
func (r *Remote) runDetached(ctx context.Context, mirror string, spec job.Spec, logger *slog.Logger) (*Outcome, error) {
	if _, err := r.Transport.Exec(ctx, transport.Command{
		Line:      r.commandLine(spec),
		Dir:       mirror,
		SessionID: r.SessionID,
		Detach:    true,
	}); err != nil {
		return nil, classifyDispatchError(spec.ID, err)
	}

	waitCtx := ctx
	if spec.Timeout <= 0 {
		maxWait := r.MaxWait
		if maxWait <= 0 {
			maxWait = 24 * time.Hour
		}
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	interval := r.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	if err := waitForArtifacts(waitCtx, mirror, spec.ArtifactPatterns, interval); err != nil {
		r.terminate(spec, logger)
		return &Outcome{ExitCode: -1}, job.NewError(job.ErrorKindTimeout, spec.ID,
			"no stable artifact before deadline", err)
	}

	// Exit status is unobservable for session-bound processes; the
	// artifact itself is the success signal.
	return &Outcome{ExitCode: -1}, nil
}

// terminate asks the transport to kill the remote engine. Failure is
// logged, not hidden: the job is reported as timed out without a
// termination guarantee.
func (r *Remote) terminate(spec job.Spec, logger *slog.Logger) {
	name := r.EnginePath
	if name == "" && len(spec.Command) > 0 {
		name = spec.Command[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Transport.Terminate(ctx, filepath.Base(name)); err != nil {
		logger.Warn("remote termination not guaranteed",
			slog.String("job_id", spec.ID),
			slog.String("worker", r.Name()),
			slog.Any("error", err))
	}
}

// commandLine renders the spec's argv as a remote shell line, substituting
// the worker's engine executable path and applying the priority hint.
func (r *Remote) commandLine(spec job.Spec) string {
	argv := append([]string(nil), spec.Command...)
	if r.EnginePath != "" {
		argv[0] = r.EnginePath
	}
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if strings.ContainsAny(arg, " \t'\"") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
			continue
		}
		quoted[i] = arg
	}
	line := strings.Join(quoted, " ")
	if r.Priority > 0 {
		line = fmt.Sprintf("nice -n %d %s", r.Priority, line)
	}
	return line
}

// classifyDispatchError maps transport failures onto the job error
// taxonomy.
func classifyDispatchError(jobID string, err error) *job.Error {
	switch {
	case errors.Is(err, transport.ErrUnreachable):
		return job.NewError(job.ErrorKindRemoteDispatch, jobID, "host unreachable", err)
	case errors.Is(err, transport.ErrAuth):
		return job.NewError(job.ErrorKindRemoteDispatch, jobID, "authentication failed", err)
	case errors.Is(err, transport.ErrSession):
		return job.NewError(job.ErrorKindRemoteDispatch, jobID, "session not found", err)
	default:
		return job.NewError(job.ErrorKindRemoteDispatch, jobID, "remote dispatch failed", err)
	}
}
