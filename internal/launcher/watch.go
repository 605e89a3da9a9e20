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
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// waitForArtifacts blocks until at least one artifact matching the patterns
// exists under dir and every match's size is unchanged between two
// successive polls, or until the context expires.
//
// A filesystem watcher wakes the poll loop early when the directory
// changes; stability is still decided purely by the size comparison, since
// network shares deliver watch events unreliably.
func waitForArtifacts(ctx context.Context, dir string, patterns []string, interval time.Duration) error {
	events := make(chan struct{}, 1)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case events <- struct{}{}:
						default:
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	previous := scanSizes(dir, patterns)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			// Something changed; reset the stability baseline on the
			// next tick rather than declaring stability early.
			previous = scanSizes(dir, patterns)
		case <-ticker.C:
			current := scanSizes(dir, patterns)
			if len(current) > 0 && sizesEqual(previous, current) {
				return nil
			}
			previous = current
		}
	}
}

// scanSizes returns the size of every artifact matching the patterns,
// keyed by path relative to dir.
func scanSizes(dir string, patterns []string) map[string]int64 {
	fsys := os.DirFS(dir)
	sizes := make(map[string]int64)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, rel := range matches {
			info, err := os.Stat(filepath.Join(dir, rel))
			if err != nil || info.IsDir() {
				continue
			}
			sizes[rel] = info.Size()
		}
	}
	return sizes
}

func sizesEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
