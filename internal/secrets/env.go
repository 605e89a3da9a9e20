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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the priority for the environment variable
	// backend. Highest, so environment overrides always win.
	EnvBackendPriority = 100

	// envSecretPrefix is the prefix for simfleet credential environment
	// variables.
	envSecretPrefix = "SIMFLEET_SECRET_"
)

// EnvBackend provides read-only access to credentials via environment
// variables. A credential reference "farm/ecs-1" maps to the variable
// SIMFLEET_SECRET_FARM_ECS_1.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a credential from the environment.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(normalizeKey(key)); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

// Available always returns true; the environment is always present.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority.
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// normalizeKey converts a credential reference into an environment variable
// name: uppercased, with separators collapsed to underscores.
func normalizeKey(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '/', '.', '-', ':':
			return '_'
		default:
			return r
		}
	}, key)
	return envSecretPrefix + strings.ToUpper(mapped)
}
