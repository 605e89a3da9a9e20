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

// Package transport abstracts remote command execution for remote worker
// slots. Implementations dispatch a command onto a named host with that
// host's credentials and session context.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable is returned when the remote host cannot be reached.
	ErrUnreachable = errors.New("transport: host unreachable")

	// ErrAuth is returned when authentication with the remote host fails.
	ErrAuth = errors.New("transport: authentication failed")

	// ErrSession is returned when the requested session context cannot be
	// used on the remote host.
	ErrSession = errors.New("transport: session not found")
)

// Command describes one remote invocation.
type Command struct {
	// Line is the full command line to run.
	Line string

	// Dir is the remote working directory.
	Dir string

	// Env holds additional environment variables for the process.
	Env map[string]string

	// SessionID identifies the interactive session the process must run
	// in. Zero means no session requirement.
	SessionID int

	// Detach starts the process without waiting for exit. Used when the
	// process is session-bound and the transport cannot observe its exit
	// status; completion is then detected by artifact polling.
	Detach bool
}

// Result is the outcome of a completed remote command.
type Result struct {
	// ExitCode is the remote process exit code. Meaningless for detached
	// commands.
	ExitCode int

	// Output is the combined stdout/stderr of the command.
	Output []byte
}

// Transport executes commands on a remote host.
type Transport interface {
	// Name identifies the transport endpoint for logs.
	Name() string

	// Exec runs the command and blocks until it exits, unless
	// cmd.Detach is set. Cancelling the context terminates the remote
	// process when the transport supports it.
	Exec(ctx context.Context, cmd Command) (*Result, error)

	// ReportsExitStatus is false for transports that cannot reliably
	// observe exit codes of session-bound processes; callers must then
	// detect completion by artifact polling.
	ReportsExitStatus() bool

	// Terminate best-effort kills remote processes matching the given
	// executable name. Transports that cannot terminate session-bound
	// processes return an error; the caller surfaces a timeout without a
	// termination guarantee rather than assuming success.
	Terminate(ctx context.Context, processName string) error

	// Close releases the connection.
	Close() error
}
