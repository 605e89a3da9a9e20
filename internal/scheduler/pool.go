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

// Package scheduler drives batches of jobs through workspace creation,
// engine execution, and consolidation across a bounded pool of worker
// slots. Each slot runs one job end-to-end before accepting another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/simfleet/internal/config"
	"github.com/tombee/simfleet/internal/consolidate"
	"github.com/tombee/simfleet/internal/history"
	"github.com/tombee/simfleet/internal/job"
	"github.com/tombee/simfleet/internal/launcher"
	"github.com/tombee/simfleet/internal/log"
	"github.com/tombee/simfleet/internal/metrics"
	"github.com/tombee/simfleet/internal/secrets"
	"github.com/tombee/simfleet/internal/tracing"
	"github.com/tombee/simfleet/internal/transport"
	"github.com/tombee/simfleet/internal/workspace"
)

// ErrNoSlots is returned when a pool would have no usable worker slots.
var ErrNoSlots = errors.New("scheduler: no enabled worker slots")

// slot pairs a launcher with the workspace suffix its working copies use.
type slot struct {
	launcher launcher.Launcher
	suffix   string
}

// Pool holds a bounded set of worker slots and the collaborators a job
// needs on its way through the pipeline.
type Pool struct {
	slots        []slot
	workspaces   *workspace.Manager
	consolidator *consolidate.Consolidator
	history      *history.Store
	logger       *slog.Logger
	closers      []io.Closer
}

// Options configures a Pool.
type Options struct {
	// Workspaces materializes and destroys isolated working copies.
	// Required.
	Workspaces *workspace.Manager

	// Consolidator moves artifacts to their destination. Required.
	Consolidator *consolidate.Consolidator

	// History records finished batches. Optional.
	History *history.Store

	// Logger receives structured output. Defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a pool over the given launchers. Slot N's working copies use
// the "Worker N" suffix. Fails fast when no launchers are supplied, so a
// misconfigured fleet is caught before any job starts.
func New(launchers []launcher.Launcher, opts Options) (*Pool, error) {
	if len(launchers) == 0 {
		return nil, ErrNoSlots
	}
	if opts.Workspaces == nil || opts.Consolidator == nil {
		return nil, errors.New("scheduler: workspace manager and consolidator are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	slots := make([]slot, len(launchers))
	for i, l := range launchers {
		slots[i] = slot{launcher: l, suffix: fmt.Sprintf("Worker %d", i+1)}
	}

	return &Pool{
		slots:        slots,
		workspaces:   opts.Workspaces,
		consolidator: opts.Consolidator,
		history:      opts.History,
		logger:       logger,
	}, nil
}

// FromConfig builds a pool from the fleet configuration: one local slot
// per engine.max_workers, plus one slot per enabled worker record. Remote
// workers get an SSH transport whose password is resolved through the
// credential resolver at connect time. Disabled workers are skipped but
// stay visible in the configuration.
func FromConfig(cfg *config.Config, resolver *secrets.Resolver, opts Options) (*Pool, error) {
	var launchers []launcher.Launcher
	var closers []io.Closer

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for i := 0; i < cfg.Engine.MaxWorkers; i++ {
		launchers = append(launchers, &launcher.Local{
			SlotName:   fmt.Sprintf("local-%d", i+1),
			EnginePath: cfg.Engine.Executable,
			Logger:     logger,
		})
	}

	for _, w := range cfg.EnabledWorkers() {
		switch w.Kind {
		case config.WorkerKindLocal:
			launchers = append(launchers, &launcher.Local{
				SlotName:   w.Name,
				EnginePath: firstNonEmpty(w.EnginePath, cfg.Engine.Executable),
				Priority:   w.Priority,
				Logger:     logger,
			})
		case config.WorkerKindRemote:
			t := transport.NewSSH(transport.Endpoint{
				Host:          w.Host,
				Username:      w.Username,
				CredentialRef: w.CredentialRef,
			}, resolver)
			closers = append(closers, t)
			launchers = append(launchers, &launcher.Remote{
				SlotName:   w.Name,
				Transport:  t,
				SharedPath: w.SharedPath,
				EnginePath: w.EnginePath,
				SessionID:  w.SessionID,
				Priority:   w.Priority,
				Logger:     logger,
			})
		}
	}

	pool, err := New(launchers, opts)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	pool.closers = closers
	return pool, nil
}

// Slots returns the worker slot names in assignment order.
func (p *Pool) Slots() []string {
	names := make([]string, len(p.slots))
	for i, s := range p.slots {
		names[i] = s.launcher.Name()
	}
	return names
}

// Close releases transports held by remote slots.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecuteOptions adjust one batch run.
type ExecuteOptions struct {
	// DestinationRoot overrides the consolidation destination for every
	// job. Empty consolidates back into each job's source workspace.
	DestinationRoot string

	// Cores overrides every job's core count when > 0.
	Cores int

	// MaxWorkers caps the number of slots used for this batch when > 0.
	MaxWorkers int

	// Overwrite allows consolidation to replace existing destination
	// artifacts.
	Overwrite bool

	// Sequential runs jobs one at a time in submission order on a single
	// reusable "[Test]" workspace.
	Sequential bool
}

// Execute runs a batch of jobs and returns one result per job in
// submission order. Individual job failures are recorded, never
// propagated; the returned error covers only batch-level problems found
// before any job starts. Cancelling ctx stops feeding queued jobs; jobs
// already running finish or time out on their own budgets.
func (p *Pool) Execute(ctx context.Context, specs []job.Spec, opts ExecuteOptions) (*job.Report, error) {
	// The caller's specs stay as submitted; overrides apply to a copy.
	specs = append([]job.Spec(nil), specs...)
	for i := range specs {
		if opts.Cores > 0 {
			specs[i].Cores = opts.Cores
		}
		if err := specs[i].Validate(); err != nil {
			return nil, fmt.Errorf("scheduler: job %d: %w", i, err)
		}
	}

	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	report, err := job.NewReport(ids)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	batchID := uuid.New().String()
	logger := log.WithBatchContext(p.logger, batchID)

	slots := p.slots
	if opts.MaxWorkers > 0 && opts.MaxWorkers < len(slots) {
		slots = slots[:opts.MaxWorkers]
	}
	if opts.Sequential {
		slots = []slot{{launcher: slots[0].launcher, suffix: "Test"}}
	}

	logger.Info("batch started",
		slog.Int("jobs", len(specs)),
		slog.Int("slots", len(slots)),
		slog.Bool("sequential", opts.Sequential))

	started := time.Now()
	batchCtx, batchSpan := tracing.StartBatch(ctx, batchID, len(specs))

	queue := newJobQueue()
	for _, spec := range specs {
		queue.Enqueue(spec)
	}
	queue.Close()

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s slot) {
			defer wg.Done()
			p.runSlot(batchCtx, s, queue, report, opts, logger)
		}(s)
	}
	wg.Wait()
	batchSpan.End()

	finished := time.Now()
	succeeded, failed := 0, 0
	for _, res := range report.Results() {
		if res.Success {
			succeeded++
		} else {
			failed++
		}
	}

	logger.Info("batch finished",
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		log.Duration("duration", finished.Sub(started).Milliseconds()))

	p.saveHistory(batchID, started, finished, succeeded, failed, report)

	return report, nil
}

// runSlot pulls jobs off the queue until it drains or the batch is
// cancelled. A cancelled batch stops here; the job currently running on
// this slot has already observed the same context.
func (p *Pool) runSlot(ctx context.Context, s slot, queue *jobQueue, report *job.Report, opts ExecuteOptions, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		spec, err := queue.Dequeue(ctx)
		if err != nil {
			return
		}
		res := p.runJob(ctx, s, spec, opts, logger)
		if err := report.Record(res); err != nil {
			logger.Error("could not record job result",
				slog.String(log.JobIDKey, spec.ID), log.Error(err))
		}
	}
}

// runJob drives one job end-to-end: isolated working copy, engine run,
// consolidation. Every failure is classified and returned as a Result;
// nothing escapes to the batch level.
func (p *Pool) runJob(ctx context.Context, s slot, spec job.Spec, opts ExecuteOptions, logger *slog.Logger) job.Result {
	worker := s.launcher.Name()
	logger = log.WithWorker(logger.With(slog.String(log.JobIDKey, spec.ID)), worker)

	jobCtx, span := tracing.StartJob(ctx, spec.ID, worker)
	metrics.RecordJobStart()
	start := time.Now()

	fail := func(err error) job.Result {
		kind := job.KindOf(err)
		if kind == job.ErrorKindRemoteDispatch {
			metrics.RecordRemoteDispatchError(worker)
		}
		if kind == job.ErrorKindConsolidationConflict {
			metrics.RecordConsolidationConflict()
		}
		duration := time.Since(start)
		metrics.RecordJobDone(worker, false, string(kind), duration)
		tracing.EndJob(span, err)
		logger.Warn("job failed",
			slog.String("error_kind", string(kind)),
			log.Error(err),
			log.Duration("duration", duration.Milliseconds()))
		return job.Result{
			JobID:        spec.ID,
			Worker:       worker,
			Duration:     duration,
			ErrorKind:    kind,
			Err:          err,
			ErrorMessage: err.Error(),
		}
	}

	state := job.StateQueued
	state, _ = job.Transition(state, job.StateAssigned)

	handle, err := p.workspaces.Create(jobCtx, spec.SourceWorkspace, spec.ID, s.suffix)
	if err != nil {
		return fail(job.NewError(job.ErrorKindWorkspaceCreation, spec.ID, "creating working copy", err))
	}

	state, _ = job.Transition(state, job.StateRunning)
	logger.Debug("job running", slog.String(log.WorkspaceKey, handle.Root))

	outcome, runErr := s.launcher.Run(jobCtx, handle, spec)
	excerpt := ""
	if outcome != nil {
		excerpt = outcome.Excerpt()
	}
	if runErr != nil {
		// Keep the launcher log at the destination before the working copy
		// goes away; the excerpt alone is not enough for a post-mortem.
		if outcome != nil && outcome.LogPath != "" {
			saved, serr := p.consolidator.SalvageLog(handle, outcome.LogPath, consolidate.Policy{
				DestinationRoot: opts.DestinationRoot,
			})
			if serr != nil {
				logger.Warn("could not salvage launcher log", log.Error(serr))
			} else {
				logger.Info("launcher log preserved", slog.String("log", saved))
			}
		}
		// Tear the working copy down so the slot's suffix is free for
		// the next job; no artifact reached the destination.
		if derr := p.workspaces.Destroy(handle); derr != nil {
			logger.Warn("could not remove working copy after failure", log.Error(derr))
		}
		state, _ = job.Transition(state, job.StateDone)
		res := fail(runErr)
		res.LogExcerpt = excerpt
		return res
	}

	state, _ = job.Transition(state, job.StateConsolidating)

	artifacts, err := p.consolidator.Consolidate(handle, spec.ArtifactPatterns, consolidate.Policy{
		DestinationRoot: opts.DestinationRoot,
		Overwrite:       opts.Overwrite,
	})
	if err != nil {
		if errors.Is(err, consolidate.ErrConflict) {
			// Workspace is preserved for inspection.
			err = job.NewError(job.ErrorKindConsolidationConflict, spec.ID, "destination artifact exists", err)
		} else if job.KindOf(err) == "" {
			// Copy I/O failure: the artifact never reached the
			// destination intact.
			err = job.NewError(job.ErrorKindIncompleteArtifact, spec.ID, "artifact could not be consolidated", err)
		}
		state, _ = job.Transition(state, job.StateDone)
		res := fail(err)
		res.LogExcerpt = excerpt
		return res
	}

	if len(artifacts) == 0 {
		// The engine exited zero but produced nothing matching the
		// expected patterns. Exit code alone is not trusted.
		state, _ = job.Transition(state, job.StateDone)
		res := fail(job.NewError(job.ErrorKindIncompleteArtifact, spec.ID,
			"engine exited cleanly but no artifact matched", nil))
		res.LogExcerpt = excerpt
		return res
	}

	state, _ = job.Transition(state, job.StateDone)

	duration := time.Since(start)
	metrics.RecordJobDone(worker, true, "", duration)
	tracing.EndJob(span, nil)
	logger.Info("job complete",
		slog.String("state", string(state)),
		slog.Int("artifacts", len(artifacts)),
		log.Duration("duration", duration.Milliseconds()))

	return job.Result{
		JobID:      spec.ID,
		Worker:     worker,
		Success:    true,
		Duration:   duration,
		LogExcerpt: excerpt,
		Artifacts:  artifacts,
	}
}

// saveHistory persists the finished batch when a history store is wired.
func (p *Pool) saveHistory(batchID string, started, finished time.Time, succeeded, failed int, report *job.Report) {
	if p.history == nil {
		return
	}

	results := report.Results()
	jobs := make([]history.JobRecord, len(results))
	for i, res := range results {
		jobs[i] = history.JobRecord{
			BatchID:      batchID,
			JobID:        res.JobID,
			Worker:       res.Worker,
			Success:      res.Success,
			Duration:     res.Duration,
			ErrorKind:    string(res.ErrorKind),
			ErrorMessage: res.ErrorMessage,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.history.SaveBatch(ctx, history.BatchRecord{
		ID:         batchID,
		StartedAt:  started,
		FinishedAt: finished,
		JobCount:   len(results),
		Succeeded:  succeeded,
		Failed:     failed,
	}, jobs); err != nil {
		p.logger.Warn("could not save batch history",
			slog.String(log.BatchIDKey, batchID), log.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
