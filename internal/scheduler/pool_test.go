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

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/simfleet/internal/consolidate"
	"github.com/tombee/simfleet/internal/job"
	"github.com/tombee/simfleet/internal/launcher"
	"github.com/tombee/simfleet/internal/workspace"
)

// fakeLauncher stands in for an engine run: it records the jobs it ran
// and, on success, drops a {job_id}.result artifact into the workspace.
type fakeLauncher struct {
	name  string
	err   error
	delay time.Duration
	quiet bool // exit clean without writing an artifact

	mu  sync.Mutex
	ran []string
}

func (f *fakeLauncher) Name() string { return f.name }

func (f *fakeLauncher) Run(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, spec.ID)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, job.NewError(job.ErrorKindTimeout, spec.ID, "run cancelled", ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if !f.quiet {
		path := filepath.Join(handle.Root, spec.ID+".result")
		if err := os.WriteFile(path, []byte("solved"), 0o644); err != nil {
			return nil, err
		}
	}
	return &launcher.Outcome{ExitCode: 0}, nil
}

func (f *fakeLauncher) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func newSource(t *testing.T) string {
	t.Helper()
	source := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.MkdirAll(source, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "model.input"), []byte("geometry"), 0o644))
	return source
}

func newPool(t *testing.T, launchers ...launcher.Launcher) *Pool {
	t.Helper()
	manager := workspace.NewManager(nil)
	pool, err := New(launchers, Options{
		Workspaces:   manager,
		Consolidator: consolidate.New(manager, nil),
	})
	require.NoError(t, err)
	return pool
}

func specFor(source, id string) job.Spec {
	return job.Spec{
		ID:               id,
		SourceWorkspace:  source,
		Command:          []string{"solve", id + ".input"},
		Cores:            1,
		ArtifactPatterns: []string{"*.result"},
	}
}

func TestNew_NoSlots(t *testing.T) {
	manager := workspace.NewManager(nil)
	_, err := New(nil, Options{
		Workspaces:   manager,
		Consolidator: consolidate.New(manager, nil),
	})
	assert.ErrorIs(t, err, ErrNoSlots)
}

func TestExecute_ParallelSuccess(t *testing.T) {
	source := newSource(t)
	pool := newPool(t, &fakeLauncher{name: "slot-1"}, &fakeLauncher{name: "slot-2"})

	specs := []job.Spec{specFor(source, "alpha"), specFor(source, "bravo")}
	report, err := pool.Execute(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)

	results := report.Results()
	require.Len(t, results, 2)
	assert.True(t, report.OverallSuccess())

	// Submission order regardless of completion order.
	assert.Equal(t, "alpha", results[0].JobID)
	assert.Equal(t, "bravo", results[1].JobID)

	// Artifacts consolidated back into the source workspace.
	assert.FileExists(t, filepath.Join(source, "alpha.result"))
	assert.FileExists(t, filepath.Join(source, "bravo.result"))

	// Working copies are gone after consolidation.
	entries, err := os.ReadDir(filepath.Dir(source))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model", entries[0].Name())
}

func TestExecute_FailureDoesNotAbortBatch(t *testing.T) {
	source := newSource(t)
	good := &fakeLauncher{}
	pool := newPool(t, launcherFunc(func(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
		if spec.ID == "alpha" {
			return nil, job.NewError(job.ErrorKindProcessLaunch, spec.ID,
				"engine exited with code 2", errors.New("exit 2"))
		}
		return good.Run(ctx, handle, spec)
	}))

	report, err := pool.Execute(context.Background(), []job.Spec{
		specFor(source, "alpha"),
		specFor(source, "bravo"),
	}, ExecuteOptions{})
	require.NoError(t, err)

	results := report.Results()
	require.Len(t, results, 2)
	assert.False(t, report.OverallSuccess())

	assert.False(t, results[0].Success)
	assert.Equal(t, job.ErrorKindProcessLaunch, results[0].ErrorKind)
	assert.NotEmpty(t, results[0].ErrorMessage)

	assert.True(t, results[1].Success)
	assert.FileExists(t, filepath.Join(source, "bravo.result"))

	// The failed job's working copy is torn down so the slot stays usable.
	_, err = os.Stat(source + " [Worker 1]")
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_SequentialOrder(t *testing.T) {
	source := newSource(t)
	fake := &fakeLauncher{name: "slot-1"}
	pool := newPool(t, fake, &fakeLauncher{name: "slot-2"})

	specs := []job.Spec{
		specFor(source, "first"),
		specFor(source, "second"),
		specFor(source, "third"),
	}
	report, err := pool.Execute(context.Background(), specs, ExecuteOptions{Sequential: true})
	require.NoError(t, err)
	assert.True(t, report.OverallSuccess())

	// Sequential mode uses only the first slot, strictly in submission
	// order, on a reusable [Test] workspace.
	assert.Equal(t, []string{"first", "second", "third"}, fake.jobs())

	results := report.Results()
	assert.Equal(t, "first", results[0].JobID)
	assert.Equal(t, "third", results[2].JobID)

	_, err = os.Stat(source + " [Test]")
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_IncompleteArtifact(t *testing.T) {
	source := newSource(t)
	pool := newPool(t, &fakeLauncher{name: "slot-1", quiet: true})

	report, err := pool.Execute(context.Background(), []job.Spec{specFor(source, "alpha")}, ExecuteOptions{})
	require.NoError(t, err)

	results := report.Results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, job.ErrorKindIncompleteArtifact, results[0].ErrorKind)
}

func TestExecute_ConsolidationConflict(t *testing.T) {
	source := newSource(t)
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "alpha.result"), []byte("old"), 0o644))

	pool := newPool(t, &fakeLauncher{name: "slot-1"})

	report, err := pool.Execute(context.Background(), []job.Spec{specFor(source, "alpha")}, ExecuteOptions{
		DestinationRoot: dest,
	})
	require.NoError(t, err)

	results := report.Results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, job.ErrorKindConsolidationConflict, results[0].ErrorKind)

	// Existing artifact untouched, workspace preserved for inspection.
	data, err := os.ReadFile(filepath.Join(dest, "alpha.result"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.DirExists(t, source+" [Worker 1]")
}

func TestExecute_OverwriteReplacesArtifact(t *testing.T) {
	source := newSource(t)
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "alpha.result"), []byte("old"), 0o644))

	pool := newPool(t, &fakeLauncher{name: "slot-1"})

	report, err := pool.Execute(context.Background(), []job.Spec{specFor(source, "alpha")}, ExecuteOptions{
		DestinationRoot: dest,
		Overwrite:       true,
	})
	require.NoError(t, err)
	assert.True(t, report.OverallSuccess())

	data, err := os.ReadFile(filepath.Join(dest, "alpha.result"))
	require.NoError(t, err)
	assert.Equal(t, "solved", string(data))
}

func TestExecute_DuplicateJobIDs(t *testing.T) {
	source := newSource(t)
	pool := newPool(t, &fakeLauncher{name: "slot-1"})

	_, err := pool.Execute(context.Background(), []job.Spec{
		specFor(source, "alpha"),
		specFor(source, "alpha"),
	}, ExecuteOptions{})
	assert.Error(t, err)
}

func TestExecute_CoresOverride(t *testing.T) {
	source := newSource(t)
	var got int
	fake := &fakeLauncher{name: "slot-1"}
	pool := newPool(t, launcherFunc(func(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
		got = spec.Cores
		return fake.Run(ctx, handle, spec)
	}))

	_, err := pool.Execute(context.Background(), []job.Spec{specFor(source, "alpha")}, ExecuteOptions{Cores: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, got)
}

func TestExecute_CancelSkipsQueuedJobs(t *testing.T) {
	source := newSource(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	pool := newPool(t, launcherFunc(func(runCtx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-runCtx.Done()
		return nil, job.NewError(job.ErrorKindTimeout, spec.ID, "run cancelled", runCtx.Err())
	}))

	go func() {
		<-started
		cancel()
	}()

	report, err := pool.Execute(ctx, []job.Spec{
		specFor(source, "alpha"),
		specFor(source, "bravo"),
		specFor(source, "charlie"),
	}, ExecuteOptions{})
	require.NoError(t, err)

	results := report.Results()
	require.Len(t, results, 3)
	for _, res := range results {
		assert.False(t, res.Success, res.JobID)
	}
	// The first job observed the cancellation; later jobs never ran and
	// are reported as not executed.
	assert.Equal(t, job.ErrorKindTimeout, results[0].ErrorKind)
}

func TestExecute_FailedRunPreservesLog(t *testing.T) {
	source := newSource(t)
	pool := newPool(t, launcherFunc(func(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
		logPath := filepath.Join(handle.Root, "engine.log")
		require.NoError(t, os.WriteFile(logPath, []byte("fatal: element 42 inverted"), 0o644))
		return &launcher.Outcome{ExitCode: 2, LogPath: logPath},
			job.NewError(job.ErrorKindProcessLaunch, spec.ID, "engine exited with code 2", nil)
	}))

	report, err := pool.Execute(context.Background(), []job.Spec{specFor(source, "alpha")}, ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, report.OverallSuccess())

	// The working copy is gone, but its launcher log survives at the
	// destination under a job-unique name.
	_, statErr := os.Stat(source + " [Worker 1]")
	assert.True(t, os.IsNotExist(statErr))

	data, readErr := os.ReadFile(filepath.Join(source, "alpha.engine.log"))
	require.NoError(t, readErr)
	assert.Equal(t, "fatal: element 42 inverted", string(data))
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	source := newSource(t)

	var current, highWater atomic.Int32
	run := launcherFunc(func(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
		n := current.Add(1)
		for {
			peak := highWater.Load()
			if n <= peak || highWater.CompareAndSwap(peak, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)

		path := filepath.Join(handle.Root, spec.ID+".result")
		if err := os.WriteFile(path, []byte("solved"), 0o644); err != nil {
			return nil, err
		}
		return &launcher.Outcome{ExitCode: 0}, nil
	})

	pool := newPool(t, run, run, run)

	var specs []job.Spec
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		specs = append(specs, specFor(source, id))
	}
	report, err := pool.Execute(context.Background(), specs, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, report.OverallSuccess())

	// Never more jobs in flight than slots.
	assert.LessOrEqual(t, highWater.Load(), int32(3))
	assert.GreaterOrEqual(t, highWater.Load(), int32(1))
}

func TestExecute_DoesNotMutateCallerSpecs(t *testing.T) {
	source := newSource(t)
	pool := newPool(t, &fakeLauncher{name: "slot-1"})

	specs := []job.Spec{specFor(source, "alpha")}
	_, err := pool.Execute(context.Background(), specs, ExecuteOptions{Cores: 8})
	require.NoError(t, err)

	// The submitted spec is immutable; the override applied to a copy.
	assert.Equal(t, 1, specs[0].Cores)
}

// launcherFunc adapts a function to the Launcher interface.
type launcherFunc func(context.Context, *workspace.Handle, job.Spec) (*launcher.Outcome, error)

func (f launcherFunc) Name() string { return "func" }

func (f launcherFunc) Run(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*launcher.Outcome, error) {
	return f(ctx, handle, spec)
}
