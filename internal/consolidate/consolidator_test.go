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

package consolidate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/simfleet/internal/workspace"
)

func newJobWorkspace(t *testing.T) (*workspace.Manager, *workspace.Handle, string) {
	t.Helper()
	source := filepath.Join(t.TempDir(), "model-a")
	require.NoError(t, os.MkdirAll(source, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "model-a.inp"), []byte("deck"), 0o644))

	m := workspace.NewManager(nil)
	handle, err := m.Create(context.Background(), source, "model-a", "Worker 1")
	require.NoError(t, err)

	// Simulate the engine producing output in the working copy.
	require.NoError(t, os.WriteFile(filepath.Join(handle.Root, "model-a.result"), []byte("results"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(handle.Root, "engine.log"), []byte("log text"), 0o644))

	return m, handle, source
}

func TestConsolidate_DefaultDestination(t *testing.T) {
	m, handle, source := newJobWorkspace(t)
	c := New(m, nil)

	copied, err := c.Consolidate(handle, []string{"*.result", "engine.log"}, Policy{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		filepath.Join(source, "engine.log"),
		filepath.Join(source, "model-a.result"),
	}, copied)

	data, err := os.ReadFile(filepath.Join(source, "model-a.result"))
	require.NoError(t, err)
	assert.Equal(t, "results", string(data))

	// The temporary working copy is gone after success.
	_, statErr := os.Stat(handle.Root)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConsolidate_ExplicitDestination(t *testing.T) {
	m, handle, source := newJobWorkspace(t)
	dest := filepath.Join(t.TempDir(), "outputs")
	c := New(m, nil)

	copied, err := c.Consolidate(handle, []string{"*.result"}, Policy{DestinationRoot: dest})
	require.NoError(t, err)
	require.Len(t, copied, 1)

	_, err = os.Stat(filepath.Join(dest, "model-a.result"))
	assert.NoError(t, err)

	// Explicit destination: the source workspace is never mutated.
	_, statErr := os.Stat(filepath.Join(source, "model-a.result"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestConsolidate_ConflictPreservesWorkspace(t *testing.T) {
	m, handle, _ := newJobWorkspace(t)
	dest := filepath.Join(t.TempDir(), "outputs")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "model-a.result"), []byte("previous"), 0o644))

	c := New(m, nil)
	_, err := c.Consolidate(handle, []string{"*.result"}, Policy{DestinationRoot: dest})
	require.ErrorIs(t, err, ErrConflict)

	// Both copies survive for inspection.
	prev, err := os.ReadFile(filepath.Join(dest, "model-a.result"))
	require.NoError(t, err)
	assert.Equal(t, "previous", string(prev))

	_, statErr := os.Stat(filepath.Join(handle.Root, "model-a.result"))
	assert.NoError(t, statErr)
}

func TestConsolidate_Overwrite(t *testing.T) {
	m, handle, _ := newJobWorkspace(t)
	dest := filepath.Join(t.TempDir(), "outputs")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "model-a.result"), []byte("previous"), 0o644))

	c := New(m, nil)
	_, err := c.Consolidate(handle, []string{"*.result"}, Policy{DestinationRoot: dest, Overwrite: true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "model-a.result"))
	require.NoError(t, err)
	assert.Equal(t, "results", string(data))
}

func TestConsolidate_NoMatches(t *testing.T) {
	m, handle, _ := newJobWorkspace(t)
	c := New(m, nil)

	copied, err := c.Consolidate(handle, []string{"*.missing"}, Policy{})
	require.NoError(t, err)
	assert.Empty(t, copied)
}

func TestConsolidate_NestedPatterns(t *testing.T) {
	m, handle, source := newJobWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(handle.Root, "fields"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(handle.Root, "fields", "temp.result"), []byte("t"), 0o644))

	c := New(m, nil)
	copied, err := c.Consolidate(handle, []string{"**/*.result"}, Policy{})
	require.NoError(t, err)

	assert.Contains(t, copied, filepath.Join(source, "fields", "temp.result"))
	assert.Contains(t, copied, filepath.Join(source, "model-a.result"))
}

func TestSalvageLog_CopiesToDestination(t *testing.T) {
	m, handle, _ := newJobWorkspace(t)
	dest := filepath.Join(t.TempDir(), "outputs")
	c := New(m, nil)

	saved, err := c.SalvageLog(handle, filepath.Join(handle.Root, "engine.log"), Policy{DestinationRoot: dest})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "model-a.engine.log"), saved)

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "log text", string(data))

	// Unlike consolidation, salvage never removes the working copy.
	assert.DirExists(t, handle.Root)
}

func TestSalvageLog_DefaultsToSource(t *testing.T) {
	m, handle, source := newJobWorkspace(t)
	c := New(m, nil)

	saved, err := c.SalvageLog(handle, filepath.Join(handle.Root, "engine.log"), Policy{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(source, "model-a.engine.log"), saved)
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var km keyedMutex
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("dest")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	var km keyedMutex
	u1 := km.lock("a")
	// Must not block: different destination.
	u2 := km.lock("b")
	u1()
	u2()
}
