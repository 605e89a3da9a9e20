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

// Package launcher starts the external simulation engine against an
// isolated workspace and blocks until it exits or times out. The Local
// variant spawns a child process; the Remote variant dispatches through a
// remote-execution transport.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/simfleet/internal/job"
	"github.com/tombee/simfleet/internal/workspace"
)

const (
	// logFileName is the combined stdout/stderr capture inside the
	// workspace, kept for post-mortem inspection.
	logFileName = "engine.log"

	// settingsFileName is the per-job engine settings file rewritten
	// inside the working copy before launch. The rewrite never touches
	// the source workspace.
	settingsFileName = "engine.settings"

	// logExcerptBytes bounds the log tail carried in results.
	logExcerptBytes = 4096
)

// Outcome describes a finished engine run.
type Outcome struct {
	// ExitCode is the engine process exit code. -1 when unknown (e.g.
	// detached remote runs detected by artifact polling).
	ExitCode int

	// Duration is the wall-clock run time.
	Duration time.Duration

	// LogPath is the captured log file inside the workspace, empty when
	// no log was captured.
	LogPath string
}

// Launcher runs the engine for one job. Implementations must not return
// until the engine process has terminated (or its termination can no longer
// be awaited), so consolidation never races a half-written artifact.
type Launcher interface {
	// Name identifies the launcher's worker slot for logs and reports.
	Name() string

	// Run executes the job's command in the handle's directory. The
	// returned error, if any, is a classified *job.Error; the Outcome is
	// populated whenever the process ran at all.
	Run(ctx context.Context, handle *workspace.Handle, spec job.Spec) (*Outcome, error)
}

// writeSettings rewrites the per-job engine settings inside the working
// copy: the requested core count and the cache-clearing flag.
func writeSettings(handle *workspace.Handle, spec job.Spec) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cores=%d\n", spec.Cores)
	fmt.Fprintf(&sb, "clear_cache=%t\n", spec.ClearCache)

	path := filepath.Join(handle.Root, settingsFileName)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("launcher: writing engine settings: %w", err)
	}
	return nil
}

// tailFile returns up to limit bytes from the end of the file.
func tailFile(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > limit {
		if _, err := f.Seek(-limit, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

// Excerpt returns the tail of the outcome's log for inclusion in a result.
func (o *Outcome) Excerpt() string {
	if o == nil || o.LogPath == "" {
		return ""
	}
	return tailFile(o.LogPath, logExcerptBytes)
}
