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

// Package secrets resolves worker credentials through pluggable backends.
// Worker records in the fleet configuration carry credential references,
// never credential values; the resolver turns a reference into the secret
// at dispatch time so plaintext never lives in configuration or logs.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when a credential key does not exist in
	// the backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in
	// the current environment.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// CredentialProvider retrieves credential values by key. Backends implement
// different storage mechanisms (environment, OS keychain) and are queried in
// priority order by the Resolver.
type CredentialProvider interface {
	// Name returns the backend identifier (e.g., "env", "keychain").
	Name() string

	// Get retrieves a credential by key. Returns ErrSecretNotFound if not
	// present.
	Get(ctx context.Context, key string) (string, error)

	// Available returns true if this backend is usable in the current
	// environment.
	Available() bool

	// Priority returns the resolution priority (higher = checked first).
	// Standard priorities: env (100), keychain (50).
	Priority() int
}
