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

// Package workspace creates and destroys isolated per-job working
// directories. The external engine always writes output using fixed,
// job-independent file names, so two concurrently-running jobs must never
// share a working directory; the Manager enforces that invariant.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrRootInUse is returned when the destination directory name is already
// owned by a live handle or holds files from a previous run.
var ErrRootInUse = errors.New("workspace: root already in use")

// Handle is a materialized, isolated copy of a source workspace,
// exclusively owned by one job for its duration.
type Handle struct {
	// Root is the working copy's directory path.
	Root string

	// JobID is the owning job.
	JobID string

	// Source is the workspace the copy was made from.
	Source string
}

// Manager creates and destroys isolated working copies.
type Manager struct {
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]string // root path -> owning job ID
}

// NewManager creates a workspace manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		live:   make(map[string]string),
	}
}

// Create recursively copies source into a sibling directory named
// "{source} [{suffix}]" and returns a handle owned by jobID. It fails if the
// destination is owned by a live handle, or already exists and is not empty,
// or on I/O failure. The caller marks the job failed; there is no retry.
func (m *Manager) Create(ctx context.Context, source, jobID, suffix string) (*Handle, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("workspace: source %s: %w", source, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: source %s is not a directory", source)
	}

	root := fmt.Sprintf("%s [%s]", filepath.Clean(source), suffix)

	m.mu.Lock()
	if owner, ok := m.live[root]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (owned by job %s)", ErrRootInUse, root, owner)
	}
	m.live[root] = jobID
	m.mu.Unlock()

	if err := m.checkEmpty(root); err != nil {
		m.release(root)
		return nil, err
	}

	if err := CopyTree(ctx, source, root); err != nil {
		// Best-effort cleanup of the partial copy.
		os.RemoveAll(root)
		m.release(root)
		return nil, fmt.Errorf("workspace: copying %s to %s: %w", source, root, err)
	}

	m.logger.Debug("workspace created",
		slog.String("job_id", jobID),
		slog.String("workspace", root))

	return &Handle{Root: root, JobID: jobID, Source: source}, nil
}

// Destroy recursively removes the handle's directory. Idempotent: destroying
// a handle twice, or one whose directory is already gone, is not an error.
func (m *Manager) Destroy(handle *Handle) error {
	if handle == nil {
		return nil
	}
	if err := os.RemoveAll(handle.Root); err != nil {
		return fmt.Errorf("workspace: removing %s: %w", handle.Root, err)
	}
	m.release(handle.Root)

	m.logger.Debug("workspace destroyed",
		slog.String("job_id", handle.JobID),
		slog.String("workspace", handle.Root))
	return nil
}

// LiveCount returns the number of live handles.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) release(root string) {
	m.mu.Lock()
	delete(m.live, root)
	m.mu.Unlock()
}

// checkEmpty fails when root exists and holds files, so leftovers from an
// earlier crashed run are never silently reused as job input.
func (m *Manager) checkEmpty(root string) error {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace: inspecting %s: %w", root, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s is not empty", ErrRootInUse, root)
	}
	return nil
}

// CopyTree recursively copies src into dst, preserving file modes.
// Cancellation is checked per directory entry so large workspace copies
// abort promptly. Also used to mirror workspaces to remote shared paths.
func CopyTree(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := CopyTree(ctx, srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
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
