package ssh

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "testuser"
	testPassword = "testpass"
)

// serverOptions shapes the behaviour of the test server.
type serverOptions struct {
	// rejectSFTP refuses the sftp subsystem
	rejectSFTP bool

	// nopasswd makes sudo succeed without reading a password
	nopasswd bool

	// sudoPassword is the password sudo expects, testPassword if empty
	sudoPassword string

	// missingTools are reported absent by "command -v"
	missingTools []string

	// authorizedKey, if set, is the only public key accepted
	authorizedKey ssh.PublicKey
}

// testSSHServer is an in-process SSH server. It serves the sftp subsystem
// on the local filesystem and runs exec requests through /bin/sh, emulating
// sudo in front of them.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
	opts     serverOptions

	mu       sync.Mutex
	commands []string
}

// newTestSSHServer starts a server that is shut down when the test ends.
func newTestSSHServer(t *testing.T, opts serverOptions) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	if opts.sudoPassword == "" {
		opts.sudoPassword = testPassword
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if opts.authorizedKey == nil || bytes.Equal(pubKey.Marshal(), opts.authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		opts:     opts,
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

// handleChannel serves exec and subsystem requests on one channel.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			go func() {
				defer channel.Close()
				status := s.runExec(channel, payload.Command)
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			}()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || s.opts.rejectSFTP {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			go func() {
				defer channel.Close()
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runExec emulates sudo in front of command and runs the rest through
// /bin/sh. It returns the exit status.
func (s *testSSHServer) runExec(channel ssh.Channel, command string) uint32 {
	s.record(command)

	stdin := bufio.NewReader(channel)
	stderr := channel.Stderr()

	switch {
	case command == sudoProbeLine:
		if s.opts.nopasswd {
			return 0
		}
		fmt.Fprintln(stderr, "sudo: a password is required")
		return 1

	case strings.HasPrefix(command, sudoWithSecretPrefix):
		if !s.opts.nopasswd {
			line, err := stdin.ReadString('\n')
			if err != nil || strings.TrimSuffix(line, "\n") != s.opts.sudoPassword {
				fmt.Fprintln(stderr, "sudo: 1 incorrect password attempt")
				return 1
			}
		}
		command = strings.TrimPrefix(command, sudoWithSecretPrefix)

	case strings.HasPrefix(command, sudoNoSecretPrefix):
		if !s.opts.nopasswd {
			fmt.Fprintln(stderr, "sudo: a password is required")
			return 1
		}
		command = strings.TrimPrefix(command, sudoNoSecretPrefix)
	}

	for _, tool := range s.opts.missingTools {
		if command == WhichCommand(tool).Line {
			return 1
		}
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = stdin
	cmd.Stdout = channel
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return uint32(exitErr.ExitCode())
		}
		fmt.Fprintln(stderr, err)
		return 127
	}
	return 0
}

func (s *testSSHServer) record(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
}

// executed returns the command lines received so far.
func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// testConfig returns a password config pointing at server.
func testConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, testUser)
	config.Port = port
	config.Password = testPassword
	config.StrictHostKeyChecking = false
	config.ReadyTimeout = 5 * time.Second
	config.KeepAliveInterval = 0
	return config
}

// connectTestSession connects a session to server. modify, if non-nil,
// adjusts the config first.
func connectTestSession(t *testing.T, server *testSSHServer, modify func(*Config)) *Session {
	t.Helper()

	config := testConfig(server)
	if modify != nil {
		modify(config)
	}

	session, err := NewSession(config)
	require.NoError(t, err)
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { _ = session.Disconnect() })

	return session
}
