// Package hostexec executes commands on cluster hosts over SSH, pooling one
// connection per (host, port) and deduplicating concurrent dials to the same key.
package hostexec

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

const (
	dialTimeout    = 30 * time.Second
	keepaliveEvery = 5 * time.Second
)

// Target identifies a host to execute commands on.
type Target struct {
	HostIP  string
	SSHPort int
}

func (t Target) key() string {
	return fmt.Sprintf("%s:%d", t.HostIP, t.SSHPort)
}

// Options controls one command execution.
type Options struct {
	Sudo    bool
	Timeout time.Duration
}

// Executor is a pooled SSH command runner. One instance is safe for concurrent use.
type Executor struct {
	user       string
	authMethod ssh.AuthMethod

	mu       sync.Mutex
	sessions map[string]*ssh.Client
	dialGroup singleflight.Group
}

// New builds an Executor. Private-key auth takes precedence over password auth.
func New(user, keyPath, password string) (*Executor, error) {
	auth, err := buildAuthMethod(keyPath, password)
	if err != nil {
		return nil, err
	}
	return &Executor{
		user:       user,
		authMethod: auth,
		sessions:   make(map[string]*ssh.Client),
	}, nil
}

func buildAuthMethod(keyPath, password string) (ssh.AuthMethod, error) {
	if strings.TrimSpace(keyPath) != "" {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if strings.TrimSpace(password) != "" {
		return ssh.Password(password), nil
	}
	return nil, nil
}

// Execute runs command on target, returning trimmed combined stdout+stderr on success.
// It fails with an error carrying the combined output when the remote exit code is
// nonzero, and honors opts.Timeout as a hard deadline for the whole command.
func (e *Executor) Execute(target Target, command string, opts Options) (string, error) {
	if e.authMethod == nil {
		return "", fmt.Errorf("hostexec: no ssh authentication configured (set SSH_KEY_PATH or SSH_PASSWORD)")
	}

	client, err := e.clientFor(target)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		e.discard(target)
		return "", fmt.Errorf("hostexec: new session on %s: %w", target.key(), err)
	}
	defer session.Close()

	fullCommand := command
	if opts.Sudo {
		if err := session.RequestPty("xterm", 24, 80, ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}); err != nil {
			return "", fmt.Errorf("hostexec: request pty on %s: %w", target.key(), err)
		}
		fullCommand = "sudo " + command
	}

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(fullCommand) }()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case err := <-done:
		trimmed := strings.TrimRight(output.String(), "\r\n\t ")
		if err != nil {
			return trimmed, fmt.Errorf("hostexec: command %q on %s failed: %w: %s", command, target.key(), err, trimmed)
		}
		return trimmed, nil
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("hostexec: command %q on %s exceeded timeout %s", command, target.key(), timeout)
	}
}

func (e *Executor) clientFor(target Target) (*ssh.Client, error) {
	key := target.key()

	e.mu.Lock()
	if client, ok := e.sessions[key]; ok && !isClosed(client) {
		e.mu.Unlock()
		return client, nil
	}
	e.mu.Unlock()

	result, err, _ := e.dialGroup.Do(key, func() (interface{}, error) {
		e.mu.Lock()
		if client, ok := e.sessions[key]; ok && !isClosed(client) {
			e.mu.Unlock()
			return client, nil
		}
		e.mu.Unlock()

		conn, err := net.DialTimeout("tcp", key, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("hostexec: dial %s: %w", key, err)
		}

		clientConn, chans, reqs, err := ssh.NewClientConn(conn, key, &ssh.ClientConfig{
			User:            e.user,
			Auth:            []ssh.AuthMethod{e.authMethod},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("hostexec: ssh handshake %s: %w", key, err)
		}

		client := ssh.NewClient(clientConn, chans, reqs)
		go keepalive(client, keepaliveEvery)

		e.mu.Lock()
		e.sessions[key] = client
		e.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ssh.Client), nil
}

func keepalive(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@rollingrestartd", true, nil); err != nil {
			return
		}
	}
}

func isClosed(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@rollingrestartd", true, nil)
	return err != nil
}

func (e *Executor) discard(target Target) {
	key := target.key()
	e.mu.Lock()
	defer e.mu.Unlock()
	if client, ok := e.sessions[key]; ok {
		client.Close()
		delete(e.sessions, key)
	}
}

// Dial establishes (or reuses) the pooled SSH session for target and pings it,
// used to test reachability without executing anything.
func (e *Executor) Dial(target Target) error {
	client, err := e.clientFor(target)
	if err != nil {
		return err
	}
	_, _, err = client.SendRequest("keepalive@rollingrestartd", true, nil)
	return err
}

// Close disposes every pooled session. Called on process termination.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, client := range e.sessions {
		client.Close()
		delete(e.sessions, key)
	}
}
