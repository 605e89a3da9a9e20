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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
engine:
  executable: /opt/engine/bin/solve
  max_workers: 4
  default_cores: 8
  default_timeout: 2h
  artifact_patterns: ["*.result", "*.out"]
log:
  level: debug
history:
  path: /var/lib/simfleet/history.db
workers:
  - name: local
    kind: local
    enabled: true
  - name: ecs-1
    kind: remote
    host: ecs-1.farm.internal:22
    username: simops
    credential_ref: farm/ecs-1
    shared_path: /mnt/farm/ecs-1
    engine_path: 'C:\Engine\solve.exe'
    session_id: 2
    priority: 5
    enabled: true
  - name: ecs-2
    kind: remote
    host: ecs-2.farm.internal:22
    enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MaxWorkers)
	assert.Equal(t, 8, cfg.Engine.DefaultCores)
	assert.Equal(t, 2*time.Hour, cfg.Engine.DefaultTimeout.Std())
	assert.Equal(t, []string{"*.result", "*.out"}, cfg.Engine.ArtifactPatterns)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format) // default

	require.Len(t, cfg.Workers, 3)
	assert.Equal(t, WorkerKindRemote, cfg.Workers[1].Kind)
	assert.Equal(t, 2, cfg.Workers[1].SessionID)

	enabled := cfg.EnabledWorkers()
	require.Len(t, enabled, 2)
	assert.Equal(t, "local", enabled[0].Name)
	assert.Equal(t, "ecs-1", enabled[1].Name)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `workers: []`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.MaxWorkers)
	assert.Equal(t, 1, cfg.Engine.DefaultCores)
	assert.Equal(t, []string{"*.result"}, cfg.Engine.ArtifactPatterns)
	assert.Equal(t, 720*time.Hour, cfg.History.Retention.Std())
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "workers: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_DuplicateWorkerName(t *testing.T) {
	path := writeConfig(t, `
workers:
  - {name: w, kind: local, enabled: true}
  - {name: w, kind: local, enabled: true}
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_UnknownKind(t *testing.T) {
	path := writeConfig(t, `
workers:
  - {name: w, kind: cloud, enabled: true}
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_EnabledRemoteMissingFields(t *testing.T) {
	path := writeConfig(t, `
workers:
  - {name: r, kind: remote, host: h, enabled: true}
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_DisabledRemoteMayBeIncomplete(t *testing.T) {
	path := writeConfig(t, `
workers:
  - {name: r, kind: remote, enabled: false}
`)
	_, err := Load(path)
	assert.NoError(t, err)
}
