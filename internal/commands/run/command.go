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

// Package run implements the simfleet run command.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/simfleet/internal/commands/shared"
	"github.com/tombee/simfleet/internal/consolidate"
	"github.com/tombee/simfleet/internal/history"
	"github.com/tombee/simfleet/internal/job"
	"github.com/tombee/simfleet/internal/log"
	"github.com/tombee/simfleet/internal/scheduler"
	"github.com/tombee/simfleet/internal/secrets"
	"github.com/tombee/simfleet/internal/tracing"
	"github.com/tombee/simfleet/internal/workspace"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		dest       string
		cores      int
		maxWorkers int
		overwrite  bool
		sequential bool
		baseDir    string
		input      string
		timeout    string
		clearCache bool
	)

	cmd := &cobra.Command{
		Use:   "run <job>...",
		Short: "Execute a batch of simulation jobs",
		Long: `Run executes one or more simulation jobs. Each argument is either a
bare job identifier (a workspace directory under --base-dir) or a path
to an input workspace.

Every job runs in its own isolated copy of the workspace, named
"{workspace} [Worker N]" while it runs. When the engine finishes, result
artifacts are consolidated into the destination (the source workspace by
default) and the working copy is removed.

Modes:
  (default)     Jobs run concurrently across the worker pool.
  --sequential  One job at a time, in submission order, on a single
                reusable "[Test]" workspace. Deterministic, for debugging.

A job's failure never aborts the rest of the batch; the exit status is
non-zero when any job failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args, runOptions{
				dest:       dest,
				cores:      cores,
				maxWorkers: maxWorkers,
				overwrite:  overwrite,
				sequential: sequential,
				baseDir:    baseDir,
				input:      input,
				timeout:    timeout,
				clearCache: clearCache,
			})
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Consolidation destination (default: each job's source workspace)")
	cmd.Flags().IntVar(&cores, "cores", 0, "Override per-job engine core count")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Cap the number of concurrent worker slots")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing destination artifacts")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "Run jobs one at a time in submission order")
	cmd.Flags().StringVar(&baseDir, "base-dir", ".", "Directory bare job identifiers resolve against")
	cmd.Flags().StringVar(&input, "input", "", "Engine input file inside each workspace (default: <job>.input)")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Per-job wall-clock budget (e.g. 2h); overrides config")
	cmd.Flags().BoolVar(&clearCache, "clear-cache", false, "Make the engine discard precomputed intermediate tables")

	return cmd
}

type runOptions struct {
	dest       string
	cores      int
	maxWorkers int
	overwrite  bool
	sequential bool
	baseDir    string
	input      string
	timeout    string
	clearCache bool
}

func runBatch(cmd *cobra.Command, args []string, opts runOptions) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	jobTimeout := cfg.Engine.DefaultTimeout.Std()
	if opts.timeout != "" {
		jobTimeout, err = time.ParseDuration(opts.timeout)
		if err != nil {
			return fmt.Errorf("invalid --timeout %q: %w", opts.timeout, err)
		}
	}

	template := job.Spec{
		Command:          []string{cfg.Engine.Executable},
		Cores:            cfg.Engine.DefaultCores,
		ClearCache:       opts.clearCache,
		Timeout:          jobTimeout,
		ArtifactPatterns: cfg.Engine.ArtifactPatterns,
	}
	if template.Command[0] == "" {
		return fmt.Errorf("no engine executable configured (engine.executable)")
	}

	specs := make([]job.Spec, 0, len(args))
	for _, ref := range args {
		spec, err := job.Normalize(ref, opts.baseDir, template)
		if err != nil {
			return err
		}
		inputFile := opts.input
		if inputFile == "" {
			inputFile = spec.ID + ".input"
		}
		spec.Command = append(append([]string(nil), spec.Command...), inputFile)
		specs = append(specs, spec)
	}

	tp, err := tracing.NewProvider(cfg.Tracing.Enabled, cmd.Root().Version)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown failed", log.Error(err))
		}
	}()

	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path, cfg.History.Retention.Std())
		if err != nil {
			logger.Warn("history store unavailable", log.Error(err))
		} else {
			defer store.Close()
		}
	}

	manager := workspace.NewManager(logger)
	pool, err := scheduler.FromConfig(cfg, secrets.DefaultResolver(), scheduler.Options{
		Workspaces:   manager,
		Consolidator: consolidate.New(manager, logger),
		History:      store,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	// Ctrl-C stops feeding queued jobs; running jobs finish or time out.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := pool.Execute(ctx, specs, scheduler.ExecuteOptions{
		DestinationRoot: opts.dest,
		Cores:           opts.cores,
		MaxWorkers:      opts.maxWorkers,
		Overwrite:       opts.overwrite,
		Sequential:      opts.sequential,
	})
	if err != nil {
		return err
	}

	if err := printReport(cmd, report); err != nil {
		return err
	}

	if !report.OverallSuccess() {
		return fmt.Errorf("%d of %d jobs failed", failedCount(report), report.Len())
	}
	return nil
}

func failedCount(report *job.Report) int {
	failed := 0
	for _, res := range report.Results() {
		if !res.Success {
			failed++
		}
	}
	return failed
}

func printReport(cmd *cobra.Command, report *job.Report) error {
	results := report.Results()

	if shared.GetJSON() {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		status := "ok"
		detail := fmt.Sprintf("%d artifact(s)", len(res.Artifacts))
		if !res.Success {
			status = "FAILED"
			detail = fmt.Sprintf("%s: %s", res.ErrorKind, res.ErrorMessage)
		}
		fmt.Fprintf(out, "%-20s %-8s %8s  %s\n",
			res.JobID, status, res.Duration.Round(time.Millisecond), detail)
	}
	return nil
}
