package sshexec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
)

// execReply scripts the in-process SSH server. hang leaves the session
// open without an exit status so timeouts can be exercised.
type execReply struct {
	stdout string
	stderr string
	exit   int
	hang   bool
}

func writeTestKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return path, signer.PublicKey()
}

// startSSHServer runs a minimal exec-only SSH server on a loopback
// port and returns its address plus a counter of accepted transports.
func startSSHServer(t *testing.T, authorized ssh.PublicKey, script func(cmd string) execReply) (string, *int32) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	conf := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	conf.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted int32
	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			go func(c net.Conn) {
				_, chans, reqs, err := ssh.NewServerConn(c, conf)
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				for newChan := range chans {
					if newChan.ChannelType() != "session" {
						_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, requests, err := newChan.Accept()
					if err != nil {
						continue
					}
					go func(ch ssh.Channel, in <-chan *ssh.Request) {
						for req := range in {
							if req.Type != "exec" {
								_ = req.Reply(false, nil)
								continue
							}
							var payload struct{ Command string }
							_ = ssh.Unmarshal(req.Payload, &payload)
							_ = req.Reply(true, nil)
							reply := script(payload.Command)
							if reply.hang {
								return
							}
							_, _ = io.WriteString(ch, reply.stdout)
							_, _ = io.WriteString(ch.Stderr(), reply.stderr)
							status := struct{ Status uint32 }{uint32(reply.exit)}
							_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
							_ = ch.Close()
							return
						}
					}(ch, requests)
				}
			}(nConn)
		}
	}()

	return ln.Addr().String(), &accepted
}

func testServer(t *testing.T, addr string) config.ServerConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.ServerConfig{
		Name:    "staging",
		Host:    host,
		SSHUser: "deploy",
		SSHPort: port,
		RepoDir: "/opt/odoo-enterprise",
	}
}

func Test_Pool_RunAndReuseConnection(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	var lastCmd atomic.Value
	addr, accepted := startSSHServer(t, pub, func(cmd string) execReply {
		lastCmd.Store(cmd)
		switch {
		case strings.Contains(cmd, "rev-parse"):
			return execReply{stdout: "abc123\n"}
		case strings.Contains(cmd, "boom"):
			return execReply{stderr: "fatal: broken\n", exit: 128}
		}
		return execReply{}
	})

	pool := NewPool(keyPath)
	defer pool.Close()
	server := testServer(t, addr)

	res, err := pool.Run(context.Background(), server, "git rev-parse HEAD", Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, "abc123", res.Out())

	res, err = pool.Run(context.Background(), server, "boom", Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, 128, res.ExitCode)

	err = res.Check("Deploy failed on staging")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Deploy failed on staging (exit code 128)")
	require.Contains(t, err.Error(), "fatal: broken")
	require.Equal(t, domain.CodeRemoteCommandFailed, domain.CodeOf(err))

	// both commands must share one transport
	require.Equal(t, int32(1), atomic.LoadInt32(accepted))
}

func Test_Pool_RunInRepo_PrefixesWorkdir(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	var lastCmd atomic.Value
	addr, _ := startSSHServer(t, pub, func(cmd string) execReply {
		lastCmd.Store(cmd)
		return execReply{stdout: "ok\n"}
	})

	pool := NewPool(keyPath)
	defer pool.Close()

	_, err := pool.RunInRepo(context.Background(), testServer(t, addr), "git status", Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "cd /opt/odoo-enterprise && git status", lastCmd.Load())
}

func Test_Pool_RunWithEnv(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	var lastCmd atomic.Value
	addr, _ := startSSHServer(t, pub, func(cmd string) execReply {
		lastCmd.Store(cmd)
		return execReply{}
	})

	pool := NewPool(keyPath)
	defer pool.Close()

	_, err := pool.Run(context.Background(), testServer(t, addr), "deploy.sh", Options{
		Timeout: 5 * time.Second,
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, "A=1 B=2 deploy.sh", lastCmd.Load())
}

func Test_Pool_Timeout(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	addr, _ := startSSHServer(t, pub, func(string) execReply {
		return execReply{hang: true}
	})

	pool := NewPool(keyPath)
	defer pool.Close()
	server := testServer(t, addr)

	_, err := pool.Run(context.Background(), server, "sleep 9999", Options{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	require.Equal(t, domain.CodeRemoteTimeout, domain.CodeOf(err))
	require.Contains(t, err.Error(), "Command timed out")
	require.Contains(t, err.Error(), server.Host)
}

func Test_Pool_MissingKey(t *testing.T) {
	pool := NewPool("/nonexistent/id_ed25519")
	defer pool.Close()

	_, err := pool.Run(context.Background(), config.ServerConfig{
		Host: "127.0.0.1", SSHUser: "deploy", SSHPort: 2222,
	}, "true", Options{Timeout: time.Second})
	require.Error(t, err)
	require.Contains(t, err.Error(), "read ssh key")
}

func Test_CommandResult_Check(t *testing.T) {
	require.NoError(t, CommandResult{ExitCode: 0}.Check("ok"))

	long := strings.Repeat("x", 600)
	err := CommandResult{ExitCode: 2, Stdout: long}.Check("Failed on staging")
	require.Error(t, err)
	require.Contains(t, err.Error(), "exit code 2")
	// stderr empty, detail falls back to first 500 bytes of stdout
	require.Contains(t, err.Error(), strings.Repeat("x", 500))
	require.NotContains(t, err.Error(), strings.Repeat("x", 501))
}
