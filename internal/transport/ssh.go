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

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tombee/simfleet/internal/secrets"
)

// Endpoint describes an SSH target. The password is resolved through the
// credential provider at dial time, never stored here.
type Endpoint struct {
	// Host is the address, with or without a port. Default port: 22.
	Host string

	// Username is the login user.
	Username string

	// CredentialRef is the key resolved to the login password.
	CredentialRef string

	// DialTimeout bounds connection establishment. Default: 30s.
	DialTimeout time.Duration

	// HostKeyCallback verifies the server host key. Defaults to
	// ssh.InsecureIgnoreHostKey, matching trusted-farm deployments where
	// host keys churn with machine reimaging.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHTransport executes commands over SSH. The connection is established
// lazily on first use and reused across commands.
type SSHTransport struct {
	endpoint Endpoint
	resolver *secrets.Resolver

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH creates an SSH transport for the endpoint. Credentials are
// resolved through the given resolver when the connection is opened.
func NewSSH(endpoint Endpoint, resolver *secrets.Resolver) *SSHTransport {
	if endpoint.DialTimeout <= 0 {
		endpoint.DialTimeout = 30 * time.Second
	}
	if endpoint.HostKeyCallback == nil {
		endpoint.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &SSHTransport{endpoint: endpoint, resolver: resolver}
}

// Name returns the endpoint identifier.
func (t *SSHTransport) Name() string {
	return "ssh://" + t.endpoint.Host
}

// ReportsExitStatus returns true: SSH observes exit codes for commands it
// waits on. Detached session-bound commands are the exception and are
// handled by the caller's artifact polling.
func (t *SSHTransport) ReportsExitStatus() bool {
	return true
}

// Exec runs the command on the remote host.
func (t *SSHTransport) Exec(ctx context.Context, cmd Command) (*Result, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	line := buildLine(cmd)
	if cmd.Detach {
		// Fire and forget: the remote shell backgrounds the process and
		// the session returns immediately.
		if err := session.Run(line); err != nil {
			return nil, fmt.Errorf("transport: detached start failed: %w", err)
		}
		return &Result{ExitCode: 0, Output: output.Bytes()}, nil
	}

	if err := session.Start(line); err != nil {
		return nil, fmt.Errorf("transport: starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		// Best-effort remote termination; the session teardown ends the
		// wait either way.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return nil, ctx.Err()
	case err := <-done:
		if err == nil {
			return &Result{ExitCode: 0, Output: output.Bytes()}, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &Result{ExitCode: exitErr.ExitStatus(), Output: output.Bytes()}, nil
		}
		return nil, fmt.Errorf("transport: command failed: %w", err)
	}
}

// Terminate kills remote processes matching the executable name. This is
// best-effort: an error means the process may still be running.
func (t *SSHTransport) Terminate(ctx context.Context, processName string) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer session.Close()

	if err := session.Run("pkill -f " + shellQuote(processName)); err != nil {
		return fmt.Errorf("transport: terminating %s: %w", processName, err)
	}
	return nil
}

// Close releases the SSH connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	password, err := t.resolver.Resolve(ctx, t.endpoint.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	addr := t.endpoint.Host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	clientConfig := &ssh.ClientConfig{
		User:            t.endpoint.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: t.endpoint.HostKeyCallback,
		Timeout:         t.endpoint.DialTimeout,
	}

	conn, err := net.DialTimeout("tcp", addr, t.endpoint.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
	}

	t.client = ssh.NewClient(sshConn, chans, reqs)
	return t.client, nil
}

// buildLine assembles the remote shell command: environment assignments,
// working directory change, session annotation, and optional backgrounding
// for detached session-bound processes.
func buildLine(cmd Command) string {
	var sb strings.Builder

	if cmd.Dir != "" {
		sb.WriteString("cd ")
		sb.WriteString(shellQuote(cmd.Dir))
		sb.WriteString(" && ")
	}
	for k, v := range cmd.Env {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(v))
		sb.WriteString(" ")
	}
	if cmd.SessionID > 0 {
		sb.WriteString(fmt.Sprintf("SIMFLEET_SESSION=%d ", cmd.SessionID))
	}

	if cmd.Detach {
		sb.WriteString("nohup ")
		sb.WriteString(cmd.Line)
		sb.WriteString(" >/dev/null 2>&1 &")
		return sb.String()
	}

	sb.WriteString(cmd.Line)
	return sb.String()
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
