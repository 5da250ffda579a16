package hostexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server that passes each exec
// command to handler and writes the returned output and exit status back,
// used to exercise Executor without a real host.
type testSSHServer struct {
	listener net.Listener
	handler  func(command string) (output string, exitCode int)
}

func startTestSSHServer(t *testing.T, handler func(command string) (string, int)) (addr string, stop func()) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testSSHServer{listener: listener, handler: handler}
	go srv.serve(t, config)

	return listener.Addr().String(), func() { listener.Close() }
}

func (s *testSSHServer) serve(t *testing.T, config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(t, conn, config)
	}
}

func (s *testSSHServer) handleConn(t *testing.T, conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			output, exitCode := s.handler(payload.Command)
			channel.Write([]byte(output))
			statusMsg := struct{ Status uint32 }{Status: uint32(exitCode)}
			channel.SendRequest("exit-status", false, ssh.Marshal(&statusMsg))
			return
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func newTestExecutor(t *testing.T, addr string) *Executor {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	return &Executor{
		user:       "test",
		authMethod: ssh.PublicKeys(signer),
		sessions:   make(map[string]*ssh.Client),
	}
}

func splitHostPort(t *testing.T, addr string) Target {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Target{HostIP: host, SSHPort: port}
}

func TestExecuteReturnsTrimmedOutputOnSuccess(t *testing.T) {
	addr, stop := startTestSSHServer(t, func(command string) (string, int) {
		return "active\n", 0
	})
	defer stop()

	executor := newTestExecutor(t, addr)
	target := splitHostPort(t, addr)

	out, err := executor.Execute(target, "systemctl is-active rabbitmq-server", Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "active", out)
}

func TestExecuteFailsOnNonzeroExit(t *testing.T) {
	addr, stop := startTestSSHServer(t, func(command string) (string, int) {
		return "unit not found", 1
	})
	defer stop()

	executor := newTestExecutor(t, addr)
	target := splitHostPort(t, addr)

	_, err := executor.Execute(target, "systemctl is-active bogus", Options{Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit not found")
}

func TestExecuteReusesSessionAcrossCalls(t *testing.T) {
	calls := 0
	addr, stop := startTestSSHServer(t, func(command string) (string, int) {
		calls++
		return "ok", 0
	})
	defer stop()

	executor := newTestExecutor(t, addr)
	target := splitHostPort(t, addr)

	_, err := executor.Execute(target, "true", Options{Timeout: time.Second})
	require.NoError(t, err)
	_, err = executor.Execute(target, "true", Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Len(t, executor.sessions, 1)
}

func TestNewRejectsMissingAuth(t *testing.T) {
	executor, err := New("deploy", "", "")
	require.NoError(t, err)
	_, err = executor.Execute(Target{HostIP: "127.0.0.1", SSHPort: 22}, "true", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ssh authentication configured")
}
