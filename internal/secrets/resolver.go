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
	"errors"
	"fmt"
	"sort"
)

// Resolver queries registered backends in priority order until one
// returns the credential.
type Resolver struct {
	backends []CredentialProvider
}

// NewResolver creates a resolver over the given backends, sorted by
// descending priority. With no backends it resolves nothing.
func NewResolver(backends ...CredentialProvider) *Resolver {
	sorted := append([]CredentialProvider(nil), backends...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Resolver{backends: sorted}
}

// DefaultResolver returns a resolver over the standard backends:
// environment (priority 100) then OS keychain (priority 50).
func DefaultResolver() *Resolver {
	return NewResolver(NewEnvBackend(), NewKeychainBackend())
}

// Resolve returns the credential for key from the highest-priority backend
// that has it. Unavailable backends are skipped.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("secrets: empty credential reference")
	}

	var lastErr error
	for _, backend := range r.backends {
		if !backend.Available() {
			continue
		}
		value, err := backend.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("secrets: resolving %s: %w", key, lastErr)
	}
	return "", fmt.Errorf("secrets: %s: %w", key, ErrSecretNotFound)
}
