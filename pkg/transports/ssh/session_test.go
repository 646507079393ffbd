package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-scp/pkg/telemetry"
)

func TestSessionConnect(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, nil)

	assert.True(t, session.IsReady())
	assert.Equal(t, StateReady, session.State())
	assert.Equal(t, "sftp", session.Transport())

	info := session.Info()
	host, port := parseAddress(server.addr)
	assert.Equal(t, host, info.Host)
	assert.Equal(t, port, info.Port)
	assert.Equal(t, testUser, info.User)
	assert.Equal(t, StateReady, info.State)
	assert.NotEmpty(t, info.ServerVersion)
	assert.False(t, info.ConnectedAt.IsZero())

	// A second Connect on a ready session does nothing.
	require.NoError(t, session.Connect(context.Background()))
	assert.True(t, session.IsReady())
}

func TestSessionKeyBasedAuth(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pubKey)
	require.NoError(t, err)

	server := newTestSSHServer(t, serverOptions{authorizedKey: sshPub})

	tests := []struct {
		name       string
		passphrase string
	}{
		{name: "plain key"},
		{name: "encrypted key", passphrase: "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block *pem.Block
			if tt.passphrase != "" {
				block, err = ssh.MarshalPrivateKeyWithPassphrase(privKey, "", []byte(tt.passphrase))
			} else {
				block, err = ssh.MarshalPrivateKey(privKey, "")
			}
			require.NoError(t, err)

			keyPath := filepath.Join(t.TempDir(), "id_ed25519")
			require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

			connectTestSession(t, server, func(c *Config) {
				c.Password = ""
				c.PrivateKeyPath = keyPath
				c.Passphrase = tt.passphrase
			})
		})
	}
}

func TestSessionAuthenticationFailure(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})

	config := testConfig(server)
	config.Password = "wrong"

	session, err := NewSession(config)
	require.NoError(t, err)

	err = session.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication), "got %v", err)
	assert.Equal(t, StateFailed, session.State())
	assert.False(t, session.IsReady())

	// A failed session cannot be reused.
	err = session.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnect))
}

func TestSessionConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := parseAddress(listener.Addr().String())
	require.NoError(t, listener.Close())

	config := DefaultConfig(host, testUser)
	config.Port = port
	config.Password = testPassword
	config.ReadyTimeout = 2 * time.Second

	session, err := NewSession(config)
	require.NoError(t, err)

	err = session.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindConnect, KindOf(err))
	assert.Equal(t, StateFailed, session.State())
}

func TestSessionInvalidKey(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})

	config := testConfig(server)
	config.Password = ""
	config.PrivateKey = []byte("not a key")

	session, err := NewSession(config)
	require.NoError(t, err)

	err = session.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnect), "got %v", err)
}

func TestSessionSubsessionFailure(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{rejectSFTP: true})

	session, err := NewSession(testConfig(server))
	require.NoError(t, err)

	err = session.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubsession), "got %v", err)
	assert.False(t, session.IsReady())
}

func TestSessionDisconnect(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, nil)

	require.NoError(t, session.Disconnect())
	assert.False(t, session.IsReady())
	assert.Equal(t, StateDisconnected, session.State())

	// Disconnect is idempotent.
	require.NoError(t, session.Disconnect())
	assert.Equal(t, StateDisconnected, session.State())
}

func TestSessionNotConnected(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})

	session, err := NewSession(testConfig(server))
	require.NoError(t, err)

	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "file")

	_, err = session.ListDirectory(ctx, "/")
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = session.DownloadFile(ctx, "/etc/hostname", local)
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = session.UploadFile(ctx, local, "/tmp/x")
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, err = session.UploadDirectory(ctx, t.TempDir(), "/tmp/x")
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = session.RenameRemote(ctx, "/a", "/b")
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = session.DeleteRemoteDirectory(ctx, "/tmp/x")
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, err = session.WorkingDirectory(ctx)
	assert.True(t, errors.Is(err, ErrNotConnected))

	// Disconnect before Connect is fine.
	require.NoError(t, session.Disconnect())
}

func TestSessionClosedAfterDisconnect(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, nil)
	require.NoError(t, session.Disconnect())

	_, err := session.ListDirectory(context.Background(), t.TempDir())
	assert.Equal(t, KindNotConnected, KindOf(err))

	err = session.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrConnect))
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(nil)
	assert.Error(t, err)

	config := DefaultConfig("example.com", testUser)
	_, err = NewSession(config)
	assert.Error(t, err, "a config without credentials must be rejected")

	config.Password = testPassword
	config.PrivateKeyPath = "/nonexistent/key"
	_, err = NewSession(config)
	assert.Error(t, err)
}

func TestSessionMetrics(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	config := testConfig(server)
	session, err := NewSession(config, WithMetrics(metrics))
	require.NoError(t, err)
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { _ = session.Disconnect() })

	_, err = session.ListDirectory(context.Background(), t.TempDir())
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_connects_total"])
	assert.True(t, names["test_listings_total"])
}
