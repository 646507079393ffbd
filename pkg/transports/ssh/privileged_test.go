package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/froyo-scp/pkg/listing"
)

func escalate(c *Config) {
	c.Escalate = true
}

func TestPrivilegedListDirectory(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, escalate)
	require.Equal(t, "sudo", session.Transport())

	dir := linkFixture(t)

	entries, err := session.ListDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"sub", "linkdir", "broken", "linkfile", "Zeta.txt", "a.txt"}, entryNames(entries))

	for _, e := range entries {
		switch e.Name {
		case "linkdir":
			assert.Equal(t, listing.KindSymlinkDir, e.Kind)
			assert.Equal(t, "sub", e.SymlinkTarget)
		case "linkfile":
			assert.Equal(t, listing.KindSymlink, e.Kind)
		case "a.txt":
			assert.Equal(t, int64(5), e.Size)
			assert.NotEmpty(t, e.Owner)
			assert.NotEmpty(t, e.LongName)
		}
	}
}

func TestPrivilegedFileRoundTrip(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, escalate)

	ctx := context.Background()

	// Every byte value, so the base64 channel is exercised.
	content := make([]byte, 0, 64*1024)
	for len(content) < cap(content) {
		for b := 0; b < 256; b++ {
			content = append(content, byte(b))
		}
	}

	src := filepath.Join(t.TempDir(), "blob")
	writeFile(t, src, content)

	remote := filepath.Join(t.TempDir(), "it's a file")
	require.NoError(t, session.UploadFile(ctx, src, remote))

	uploaded, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, content, uploaded)

	dst := filepath.Join(t.TempDir(), "back")
	require.NoError(t, session.DownloadFile(ctx, remote, dst))

	downloaded, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)
}

func TestPrivilegedSecretNotInCommandLine(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{sudoPassword: "s3cret-sudo"})
	session := connectTestSession(t, server, func(c *Config) {
		c.Escalate = true
		c.EscalationSecret = "s3cret-sudo"
	})

	ctx := context.Background()
	dir := t.TempDir()
	_, err := session.ListDirectory(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, session.MakeDirectory(ctx, filepath.Join(dir, "made")))

	commands := server.executed()
	require.NotEmpty(t, commands)

	escalated := 0
	for _, cmd := range commands {
		assert.NotContains(t, cmd, "s3cret-sudo")
		assert.NotContains(t, cmd, testPassword)
		if strings.HasPrefix(cmd, sudoWithSecretPrefix) {
			escalated++
		}
	}
	assert.Equal(t, 2, escalated)
}

func TestPrivilegedWrongSecret(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{sudoPassword: "right"})
	session := connectTestSession(t, server, func(c *Config) {
		c.Escalate = true
		c.EscalationSecret = "wrong"
	})

	_, err := session.ListDirectory(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrList))
	assert.True(t, errors.Is(err, ErrPrivilegedCommand))
	assert.Contains(t, err.Error(), "incorrect password")
}

func TestPrivilegedWrongSecretArchiveUpload(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{sudoPassword: "right"})
	session := connectTestSession(t, server, func(c *Config) {
		c.Escalate = true
		c.EscalationSecret = "wrong"
	})

	// Incompressible and larger than the channel window, so the archive
	// writer is still streaming when sudo gives up.
	local := privilegedTree(t)
	writeFile(t, filepath.Join(local, "big.bin"), randomBytes(t, 4<<20))

	report, err := session.UploadDirectory(context.Background(), local, filepath.Join(t.TempDir(), "tree"))
	require.Error(t, err)
	assert.Equal(t, StrategyArchive, report.Strategy)
	assert.Zero(t, report.Files)
	assert.True(t, errors.Is(err, ErrTransfer))
	assert.True(t, errors.Is(err, ErrPrivilegedCommand))
	assert.Contains(t, err.Error(), "incorrect password")
	assert.NotContains(t, err.Error(), "closed pipe")
}

func TestPrivilegedArchiveDownloadLocalFailure(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, escalate)

	remote := privilegedTree(t)

	// The destination is a file, so extraction fails before anything lands.
	local := filepath.Join(t.TempDir(), "copy")
	writeFile(t, local, []byte("in the way"))

	err := session.DownloadDirectory(context.Background(), remote, local)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransfer))
	assert.False(t, errors.Is(err, ErrPrivilegedCommand))
	assert.Contains(t, err.Error(), "not a directory")
}

func TestPrivilegedNoPasswordSudo(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{nopasswd: true})
	session := connectTestSession(t, server, escalate)

	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, []byte("payload"))
	remote := filepath.Join(t.TempDir(), "f")

	require.NoError(t, session.UploadFile(ctx, src, remote))

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	for _, cmd := range server.executed() {
		assert.False(t, strings.HasPrefix(cmd, sudoWithSecretPrefix), "secret prefix used on a NOPASSWD host: %s", cmd)
	}
}

func privilegedTree(t *testing.T) string {
	t.Helper()

	local := t.TempDir()
	writeFile(t, filepath.Join(local, "top.txt"), []byte("top"))
	writeFile(t, filepath.Join(local, "a", "one.txt"), []byte("one"))
	writeFile(t, filepath.Join(local, "a", "b", "two words.txt"), []byte("two"))
	return local
}

func TestPrivilegedUploadDirectory(t *testing.T) {
	tests := []struct {
		name     string
		opts     serverOptions
		strategy UploadStrategy
		dirs     int
	}{
		{
			name:     "archive",
			opts:     serverOptions{},
			strategy: StrategyArchive,
			dirs:     3,
		},
		{
			name:     "per entry without tar",
			opts:     serverOptions{missingTools: []string{"tar"}},
			strategy: StrategyPerEntry,
			dirs:     3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestSSHServer(t, tt.opts)
			session := connectTestSession(t, server, escalate)

			local := privilegedTree(t)
			remote := filepath.Join(t.TempDir(), "dest", "tree")

			report, err := session.UploadDirectory(context.Background(), local, remote)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, report.Strategy)
			assert.Equal(t, tt.dirs, report.Directories)
			assert.Equal(t, 3, report.Files)

			got, err := os.ReadFile(filepath.Join(remote, "a", "b", "two words.txt"))
			require.NoError(t, err)
			assert.Equal(t, "two", string(got))

			got, err = os.ReadFile(filepath.Join(remote, "top.txt"))
			require.NoError(t, err)
			assert.Equal(t, "top", string(got))
		})
	}
}

func TestPrivilegedDownloadDirectory(t *testing.T) {
	tests := []struct {
		name string
		opts serverOptions
	}{
		{name: "archive", opts: serverOptions{}},
		{name: "per entry without tar", opts: serverOptions{missingTools: []string{"tar"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestSSHServer(t, tt.opts)
			session := connectTestSession(t, server, escalate)

			remote := privilegedTree(t)
			local := filepath.Join(t.TempDir(), "copy")

			require.NoError(t, session.DownloadDirectory(context.Background(), remote, local))

			got, err := os.ReadFile(filepath.Join(local, "a", "b", "two words.txt"))
			require.NoError(t, err)
			assert.Equal(t, "two", string(got))

			got, err = os.ReadFile(filepath.Join(local, "top.txt"))
			require.NoError(t, err)
			assert.Equal(t, "top", string(got))
		})
	}
}

func TestPrivilegedMutations(t *testing.T) {
	server := newTestSSHServer(t, serverOptions{})
	session := connectTestSession(t, server, escalate)

	ctx := context.Background()
	base := t.TempDir()

	dir := filepath.Join(base, "with 'quote'", "deep")
	require.NoError(t, session.MakeDirectory(ctx, dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	oldPath := filepath.Join(base, "old")
	newPath := filepath.Join(dir, "new")
	writeFile(t, oldPath, []byte("x"))
	require.NoError(t, session.RenameRemote(ctx, oldPath, newPath))
	_, err = os.Stat(newPath)
	require.NoError(t, err)

	require.NoError(t, session.DeleteRemoteFile(ctx, newPath))
	_, err = os.Stat(newPath)
	assert.True(t, os.IsNotExist(err))

	err = session.DeleteRemoteFile(ctx, newPath)
	assert.True(t, errors.Is(err, ErrMutation))
	assert.True(t, errors.Is(err, ErrPrivilegedCommand))

	require.NoError(t, session.DeleteRemoteDirectory(ctx, filepath.Join(base, "with 'quote'")))
	_, err = os.Stat(filepath.Join(base, "with 'quote'"))
	assert.True(t, os.IsNotExist(err))

	got, err := session.ChangeDirectory(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}
