// Package sshexec maintains pooled SSH connections to deploy targets
// and runs shell commands over them.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/observability"
)

// DefaultTimeout bounds a remote command when the caller gives none.
const DefaultTimeout = 300 * time.Second

// Options tune one command execution.
type Options struct {
	// Timeout is the wall clock budget for the command. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Env pairs are prepended to the command line as K=V assignments.
	// Remote sshd rarely accepts Setenv, so the pairs ride inline.
	Env map[string]string
}

// CommandResult carries the streams and exit code of one finished
// remote command. A non-zero exit is data, not an error; use Check to
// escalate it.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited zero.
func (r CommandResult) Success() bool { return r.ExitCode == 0 }

// Out returns stdout with surrounding whitespace trimmed.
func (r CommandResult) Out() string { return strings.TrimSpace(r.Stdout) }

// Check converts a non-zero exit into a RemoteCommandFailed error
// carrying trimmed stderr, or the first 500 bytes of stdout when
// stderr is empty.
func (r CommandResult) Check(message string) error {
	if r.ExitCode == 0 {
		return nil
	}
	detail := strings.TrimSpace(r.Stderr)
	if detail == "" {
		detail = domain.Truncate(r.Stdout, 500)
	}
	return domain.NewHandlerError(domain.CodeRemoteCommandFailed,
		"%s (exit code %d): %s", message, r.ExitCode, detail)
}

// Runner executes commands on deploy targets. *Pool implements it;
// handler tests substitute scripted fakes.
type Runner interface {
	Run(ctx context.Context, server config.ServerConfig, command string, opts Options) (CommandResult, error)
	RunInRepo(ctx context.Context, server config.ServerConfig, command string, opts Options) (CommandResult, error)
}

// Pool hands out one SSH client per user@host:port and reuses it
// across commands. Sessions are per command.
type Pool struct {
	keyPath string

	mu      sync.Mutex
	signer  ssh.Signer
	clients map[string]*ssh.Client
}

// NewPool creates an empty pool. The private key at keyPath is read
// lazily on the first dial.
func NewPool(keyPath string) *Pool {
	return &Pool{keyPath: keyPath, clients: make(map[string]*ssh.Client)}
}

func poolKey(server config.ServerConfig) string {
	return fmt.Sprintf("%s@%s:%d", server.SSHUser, server.Host, server.SSHPort)
}

// client returns a live pooled connection, probing reused transports
// and redialing dead ones.
func (p *Pool) client(server config.ServerConfig) (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey(server)
	if c, ok := p.clients[key]; ok {
		if _, _, err := c.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c, nil
		}
		_ = c.Close()
		delete(p.clients, key)
	}

	if p.signer == nil {
		pem, err := os.ReadFile(p.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", p.keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", p.keyPath, err)
		}
		p.signer = signer
	}

	cfg := &ssh.ClientConfig{
		User:            server.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(p.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	c, err := ssh.Dial("tcp", server.Addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", key, err)
	}
	p.clients[key] = c
	return c, nil
}

func (p *Pool) discard(server config.ServerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[poolKey(server)]; ok {
		_ = c.Close()
		delete(p.clients, poolKey(server))
	}
}

// Run executes command on the server under a wall clock timeout. A
// completed command returns its CommandResult even on non-zero exit;
// transport failures and timeouts return an error instead.
func (p *Pool) Run(ctx context.Context, server config.ServerConfig, command string, opts Options) (CommandResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	full := command
	if len(opts.Env) > 0 {
		full = renderEnv(opts.Env) + command
	}

	client, err := p.client(server)
	if err != nil {
		observability.SSHCommandsTotal.WithLabelValues(server.Host, "error").Inc()
		return CommandResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		// A failed session setup usually means the transport died
		// under us; drop the pooled client and redial once.
		p.discard(server)
		client, err = p.client(server)
		if err != nil {
			observability.SSHCommandsTotal.WithLabelValues(server.Host, "error").Inc()
			return CommandResult{}, err
		}
		session, err = client.NewSession()
		if err != nil {
			observability.SSHCommandsTotal.WithLabelValues(server.Host, "error").Inc()
			return CommandResult{}, fmt.Errorf("ssh session on %s: %w", server.Host, err)
		}
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(full); err != nil {
		observability.SSHCommandsTotal.WithLabelValues(server.Host, "error").Inc()
		return CommandResult{}, fmt.Errorf("ssh start on %s: %w", server.Host, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case werr := <-done:
		res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if werr != nil {
			var exitErr *ssh.ExitError
			if errors.As(werr, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				observability.SSHCommandsTotal.WithLabelValues(server.Host, "ok").Inc()
				return res, nil
			}
			observability.SSHCommandsTotal.WithLabelValues(server.Host, "error").Inc()
			return CommandResult{}, fmt.Errorf("ssh wait on %s: %w", server.Host, werr)
		}
		observability.SSHCommandsTotal.WithLabelValues(server.Host, "ok").Inc()
		return res, nil
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		observability.SSHCommandsTotal.WithLabelValues(server.Host, "timeout").Inc()
		return CommandResult{}, domain.NewHandlerError(domain.CodeRemoteTimeout,
			"Command timed out after %ds on %s: %s",
			int(timeout.Seconds()), server.Host, domain.Truncate(command, 100))
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		observability.SSHCommandsTotal.WithLabelValues(server.Host, "error").Inc()
		return CommandResult{}, ctx.Err()
	}
}

// RunInRepo runs the command from the server's repository directory.
func (p *Pool) RunInRepo(ctx context.Context, server config.ServerConfig, command string, opts Options) (CommandResult, error) {
	return p.Run(ctx, server, fmt.Sprintf("cd %s && %s", server.RepoDir, command), opts)
}

// Close terminates every pooled connection. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.clients {
		_ = c.Close()
		delete(p.clients, key)
	}
}

func renderEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, env[k])
	}
	return b.String()
}
