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

// Package consolidate copies a completed job's artifacts from its isolated
// workspace to the canonical destination and discards the workspace.
//
// Consolidation into one destination is serialized by a per-destination
// mutex. The caller remains responsible for submitting batches with disjoint
// destination artifact names; when two jobs legally target the same name
// under an overwrite policy, no tie-break order is defined.
package consolidate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/simfleet/internal/workspace"
)

// ErrConflict is returned when the destination already holds an artifact and
// the policy forbids overwriting.
var ErrConflict = errors.New("consolidate: destination artifact exists")

// Policy controls where artifacts land and how conflicts are handled.
type Policy struct {
	// DestinationRoot is the directory artifacts are copied into. Empty
	// means the job's original source workspace.
	DestinationRoot string

	// Overwrite allows replacing existing destination artifacts. When
	// false, a conflict fails consolidation and the workspace is kept
	// intact for inspection.
	Overwrite bool
}

// Consolidator copies artifacts and destroys workspaces.
type Consolidator struct {
	manager *workspace.Manager
	logger  *slog.Logger
	locks   keyedMutex
}

// New creates a consolidator backed by the given workspace manager.
func New(manager *workspace.Manager, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{manager: manager, logger: logger}
}

// Consolidate globs patterns inside the handle's root and copies every match
// to the policy destination, then destroys the workspace. The launcher must
// have confirmed process termination before this runs; only fully-written
// files are ever copied.
//
// On a conflict with Overwrite disabled, nothing is copied, the workspace is
// preserved, and the returned error wraps ErrConflict.
func (c *Consolidator) Consolidate(handle *workspace.Handle, patterns []string, policy Policy) ([]string, error) {
	dest := policy.DestinationRoot
	if dest == "" {
		dest = handle.Source
	}

	unlock := c.locks.lock(dest)
	defer unlock()

	matches, err := globAll(handle.Root, patterns)
	if err != nil {
		return nil, fmt.Errorf("consolidate: matching artifacts in %s: %w", handle.Root, err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("consolidate: creating destination %s: %w", dest, err)
	}

	// Detect every conflict before the first copy, so a refused
	// consolidation leaves both the workspace and the destination as
	// they were.
	if !policy.Overwrite {
		for _, rel := range matches {
			target := filepath.Join(dest, rel)
			if _, err := os.Stat(target); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrConflict, target)
			}
		}
	}

	copied := make([]string, 0, len(matches))
	for _, rel := range matches {
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("consolidate: %w", err)
		}
		if err := copyFile(filepath.Join(handle.Root, rel), target); err != nil {
			return nil, fmt.Errorf("consolidate: copying %s: %w", rel, err)
		}
		copied = append(copied, target)
	}

	if err := c.manager.Destroy(handle); err != nil {
		return copied, fmt.Errorf("consolidate: %w", err)
	}

	c.logger.Debug("artifacts consolidated",
		slog.String("job_id", handle.JobID),
		slog.String("destination", dest),
		slog.Int("artifacts", len(copied)))

	return copied, nil
}

// SalvageLog copies a failed job's launcher log to the policy destination
// under a job-unique name, so the run stays diagnosable after the workspace
// is torn down. The workspace itself is left untouched.
func (c *Consolidator) SalvageLog(handle *workspace.Handle, logPath string, policy Policy) (string, error) {
	dest := policy.DestinationRoot
	if dest == "" {
		dest = handle.Source
	}

	unlock := c.locks.lock(dest)
	defer unlock()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("consolidate: creating destination %s: %w", dest, err)
	}

	target := filepath.Join(dest, handle.JobID+".engine.log")
	if err := copyFile(logPath, target); err != nil {
		return "", fmt.Errorf("consolidate: salvaging log for %s: %w", handle.JobID, err)
	}

	c.logger.Debug("launcher log salvaged",
		slog.String("job_id", handle.JobID),
		slog.String("destination", target))

	return target, nil
}

// globAll returns the union of all pattern matches, as paths relative to
// root, files only, in deterministic order.
func globAll(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, rel := range matches {
			info, err := os.Stat(filepath.Join(root, rel))
			if err != nil || info.IsDir() {
				continue
			}
			seen[rel] = true
		}
	}

	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
