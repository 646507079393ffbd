package editsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/froyo-scp/pkg/telemetry"
)

// fakeRemote is an in-memory remote filesystem.
type fakeRemote struct {
	mu        sync.Mutex
	files     map[string][]byte
	uploads   []string
	uploadErr error
}

func newFakeRemote(files map[string]string) *fakeRemote {
	r := &fakeRemote{files: make(map[string][]byte)}
	for p, content := range files {
		r.files[p] = []byte(content)
	}
	return r
}

func (r *fakeRemote) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	r.mu.Lock()
	content, ok := r.files[remotePath]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such file: %s", remotePath)
	}
	return os.WriteFile(localPath, content, 0o600)
}

func (r *fakeRemote) UploadFile(ctx context.Context, localPath, remotePath string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploadErr != nil {
		return r.uploadErr
	}
	r.files[remotePath] = content
	r.uploads = append(r.uploads, string(content))
	return nil
}

func (r *fakeRemote) content(p string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.files[p])
}

func (r *fakeRemote) uploadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uploads)
}

// recordingLauncher remembers the paths it was asked to open.
type recordingLauncher struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (l *recordingLauncher) Launch(ctx context.Context, localPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.opened = append(l.opened, localPath)
	return nil
}

func testConfig(t *testing.T) Config {
	return Config{
		TempDir:        t.TempDir(),
		PollInterval:   20 * time.Millisecond,
		UploadDebounce: 150 * time.Millisecond,
		IdleTimeout:    5 * time.Second,
	}
}

func newTestController(t *testing.T, remote *fakeRemote, launcher Launcher, cfg Config, opts ...Option) *Controller {
	t.Helper()

	c, err := NewController(remote, launcher, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseAll(context.Background()) })
	return c
}

func TestOpenDownloadsAndLaunches(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/etc/motd": "hello"})
	launcher := &recordingLauncher{}
	cfg := testConfig(t)
	c := newTestController(t, remote, launcher, cfg)

	s, err := c.Open(context.Background(), "/etc/motd")
	require.NoError(t, err)

	assert.Equal(t, "/etc/motd", s.RemotePath)
	assert.Equal(t, StateWatching, s.State)
	assert.Equal(t, cfg.TempDir, filepath.Dir(s.LocalPath))
	assert.True(t, strings.HasPrefix(filepath.Base(s.LocalPath), "froyo-scp-"))
	assert.True(t, strings.HasSuffix(s.LocalPath, "-motd"))
	assert.Equal(t, []string{s.LocalPath}, launcher.opened)

	got, err := os.ReadFile(s.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	snap, ok := c.Get("/etc/motd")
	require.True(t, ok)
	assert.Equal(t, s.LocalPath, snap.LocalPath)
	assert.Len(t, c.Sessions(), 1)
}

func TestOpenAlreadyEditing(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/etc/motd": "hello"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	first, err := c.Open(context.Background(), "/etc/motd")
	require.NoError(t, err)

	_, err = c.Open(context.Background(), "/etc/motd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyEditing))

	// The first session is untouched.
	snap, ok := c.Get("/etc/motd")
	require.True(t, ok)
	assert.Equal(t, first.LocalPath, snap.LocalPath)
	assert.Equal(t, StateWatching, snap.State)
	_, err = os.Stat(first.LocalPath)
	assert.NoError(t, err)
}

func TestOpenFailureCleansUp(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		remote := newFakeRemote(nil)
		cfg := testConfig(t)
		c := newTestController(t, remote, &recordingLauncher{}, cfg)

		_, err := c.Open(context.Background(), "/missing")
		require.Error(t, err)
		assert.Empty(t, c.Sessions())

		entries, err := os.ReadDir(cfg.TempDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("launcher", func(t *testing.T) {
		remote := newFakeRemote(map[string]string{"/etc/motd": "hello"})
		cfg := testConfig(t)
		c := newTestController(t, remote, &recordingLauncher{err: errors.New("no editor")}, cfg)

		_, err := c.Open(context.Background(), "/etc/motd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no editor")
		assert.Empty(t, c.Sessions())

		entries, err := os.ReadDir(cfg.TempDir)
		require.NoError(t, err)
		assert.Empty(t, entries)

		// The path can be opened again.
		c.launcher = &recordingLauncher{}
		_, err = c.Open(context.Background(), "/etc/motd")
		assert.NoError(t, err)
	})
}

func TestDebouncedUpload(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/srv/app.conf": "v0"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	s, err := c.Open(context.Background(), "/srv/app.conf")
	require.NoError(t, err)

	// Five rapid writes, each a different size so the change is visible
	// even with coarse mtimes.
	final := ""
	for i := 1; i <= 5; i++ {
		final = "v" + strings.Repeat("x", i)
		require.NoError(t, os.WriteFile(s.LocalPath, []byte(final), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return remote.uploadCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Give a second upload every chance to happen.
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, 1, remote.uploadCount())
	assert.Equal(t, final, remote.content("/srv/app.conf"))

	snap, ok := c.Get("/srv/app.conf")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Uploads)
	assert.Equal(t, StateWatching, snap.State)
}

func TestCloseUploadsAndRemoves(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/srv/a": "old"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	s, err := c.Open(context.Background(), "/srv/a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.LocalPath, []byte("new content"), 0o600))

	require.NoError(t, c.Close(context.Background(), "/srv/a"))

	assert.Equal(t, "new content", remote.content("/srv/a"))
	_, err = os.Stat(s.LocalPath)
	assert.True(t, os.IsNotExist(err))

	_, ok := c.Get("/srv/a")
	assert.False(t, ok)

	err = c.Close(context.Background(), "/srv/a")
	assert.True(t, errors.Is(err, ErrNotEditing))
}

func TestCloseReturnsUploadError(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/srv/a": "old"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	s, err := c.Open(context.Background(), "/srv/a")
	require.NoError(t, err)

	remote.mu.Lock()
	remote.uploadErr = errors.New("permission denied")
	remote.mu.Unlock()

	err = c.Close(context.Background(), "/srv/a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	// Cleanup still happened.
	_, statErr := os.Stat(s.LocalPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, c.Sessions())
}

func TestIdleTimeoutCloses(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/srv/idle": "x"})
	cfg := testConfig(t)
	cfg.IdleTimeout = 200 * time.Millisecond

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var reasons []string
	publisher.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, fmt.Sprint(e.Data["reason"]))
	}, telemetry.FilterByType(telemetry.EventTypeEditClosed))

	c := newTestController(t, remote, &recordingLauncher{}, cfg, WithEvents(publisher))

	s, err := c.Open(context.Background(), "/srv/idle")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.Sessions()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err = os.Stat(s.LocalPath)
	assert.True(t, os.IsNotExist(err))

	mu.Lock()
	assert.Equal(t, []string{ReasonIdle}, reasons)
	mu.Unlock()
}

func TestMissingFileCloses(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/srv/gone": "x"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	s, err := c.Open(context.Background(), "/srv/gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(s.LocalPath))

	require.Eventually(t, func() bool {
		return len(c.Sessions()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	// Nothing to upload once the file is gone.
	assert.Equal(t, 0, remote.uploadCount())
	assert.Equal(t, "x", remote.content("/srv/gone"))
}

func TestCloseAllAndWait(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/a": "a", "/b": "b"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	_, err := c.Open(context.Background(), "/a")
	require.NoError(t, err)
	_, err = c.Open(context.Background(), "/b")
	require.NoError(t, err)

	sessions := c.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "/a", sessions[0].RemotePath)
	assert.Equal(t, "/b", sessions[1].RemotePath)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- c.Wait(context.Background())
	}()

	require.NoError(t, c.CloseAll(context.Background()))
	assert.Empty(t, c.Sessions())

	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after CloseAll")
	}
}

func TestWaitContext(t *testing.T) {
	remote := newFakeRemote(map[string]string{"/a": "a"})
	c := newTestController(t, remote, &recordingLauncher{}, testConfig(t))

	require.NoError(t, c.Wait(context.Background()))

	_, err := c.Open(context.Background(), "/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestNewControllerValidation(t *testing.T) {
	remote := newFakeRemote(nil)
	launcher := &recordingLauncher{}

	_, err := NewController(nil, launcher, DefaultConfig())
	assert.Error(t, err)

	_, err = NewController(remote, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.PollInterval = 0
	_, err = NewController(remote, launcher, cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.TempDir = ""
	c, err := NewController(remote, launcher, cfg)
	require.NoError(t, err)
	assert.Equal(t, os.TempDir(), c.cfg.TempDir)
}

func TestTempPath(t *testing.T) {
	c := &Controller{cfg: Config{TempDir: "/tmp/x"}}

	p := c.tempPath("/etc/nginx/nginx.conf")
	assert.Equal(t, "/tmp/x", filepath.Dir(p))
	assert.True(t, strings.HasSuffix(p, "-nginx.conf"))

	assert.NotEqual(t, p, c.tempPath("/etc/nginx/nginx.conf"))
	assert.True(t, strings.HasSuffix(c.tempPath("/"), "-file"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "downloading", StateDownloading.String())
	assert.Equal(t, "watching", StateWatching.String())
	assert.Equal(t, "uploading", StateUploading.String())
	assert.Equal(t, "closed", StateClosed.String())

	text, err := StateWatching.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "watching", string(text))
}

// stalledRemote blocks downloads until released or cancelled.
type stalledRemote struct {
	*fakeRemote
	started chan struct{}
	release chan struct{}
}

func (r *stalledRemote) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	close(r.started)
	select {
	case <-r.release:
		return errors.New("connection reset")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func activeSessions(t *testing.T, m *telemetry.Metrics) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "test_edit_sessions_active" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("edit_sessions_active not registered")
	return 0
}

func TestCloseWhileOpening(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Shutdown(context.Background()) })

	var mu sync.Mutex
	var closed []string
	publisher.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, e.RemotePath)
	}, telemetry.FilterByType(telemetry.EventTypeEditClosed))

	remote := &stalledRemote{
		fakeRemote: newFakeRemote(nil),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	cfg := testConfig(t)
	c, err := NewController(remote, &recordingLauncher{}, cfg, WithMetrics(metrics), WithEvents(publisher))
	require.NoError(t, err)

	opened := make(chan error, 1)
	go func() {
		_, err := c.Open(context.Background(), "/etc/motd")
		opened <- err
	}()
	<-remote.started

	err = c.Close(context.Background(), "/etc/motd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotEditing))

	openErr := <-opened
	require.Error(t, openErr)
	assert.True(t, errors.Is(openErr, ErrNotEditing))
	assert.True(t, errors.Is(openErr, context.Canceled))

	assert.Empty(t, c.Sessions())
	assert.Equal(t, 0.0, activeSessions(t, metrics))
	assert.Equal(t, 0, remote.uploadCount())

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Give the publisher a moment; nothing should arrive.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, closed)
	mu.Unlock()
}

// slowLauncher lets the test close the session between download and launch.
type slowLauncher struct {
	launching chan struct{}
	proceed   chan struct{}
}

func (l *slowLauncher) Launch(ctx context.Context, localPath string) error {
	close(l.launching)
	<-l.proceed
	return nil
}

func TestOpenClaimedBeforeWatching(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	remote := newFakeRemote(map[string]string{"/etc/motd": "hello"})
	launcher := &slowLauncher{launching: make(chan struct{}), proceed: make(chan struct{})}
	c, err := NewController(remote, launcher, testConfig(t), WithMetrics(metrics))
	require.NoError(t, err)

	opened := make(chan error, 1)
	go func() {
		_, err := c.Open(context.Background(), "/etc/motd")
		opened <- err
	}()
	<-launcher.launching

	closed := make(chan error, 1)
	go func() {
		closed <- c.Close(context.Background(), "/etc/motd")
	}()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		s, ok := c.sessions["/etc/motd"]
		return ok && s.closing
	}, time.Second, 5*time.Millisecond)
	close(launcher.proceed)

	openErr := <-opened
	assert.True(t, errors.Is(openErr, ErrNotEditing))
	assert.True(t, errors.Is(<-closed, ErrNotEditing))

	assert.Empty(t, c.Sessions())
	assert.Equal(t, 0.0, activeSessions(t, metrics))
	assert.Equal(t, 0, remote.uploadCount())
}
