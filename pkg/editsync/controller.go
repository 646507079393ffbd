package editsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-scp/pkg/telemetry"
)

var configValidator = validator.New()

// Controller owns the registry of edit sessions, keyed by remote path.
type Controller struct {
	cfg      Config
	transfer Transferer
	launcher Launcher

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	mu       sync.Mutex
	sessions map[string]*session
	changed  chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records edit metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithEvents publishes session lifecycle events to p.
func WithEvents(p *telemetry.EventPublisher) Option {
	return func(c *Controller) {
		c.events = p
	}
}

// NewController creates a controller moving files through transfer and
// opening them with launcher.
func NewController(transfer Transferer, launcher Launcher, cfg Config, opts ...Option) (*Controller, error) {
	if transfer == nil {
		return nil, errors.New("editsync: transferer is required")
	}
	if launcher == nil {
		return nil, errors.New("editsync: launcher is required")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid edit config: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		transfer: transfer,
		launcher: launcher,
		logger:   zerolog.Nop(),
		sessions: make(map[string]*session),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "editsync").Logger()

	return c, nil
}

// session is the live state behind a Session snapshot.
type session struct {
	mu   sync.Mutex
	info Session

	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
	closing bool

	// opened is set once Open has handed the session to its watcher
	opened bool
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.info.State = state
	s.mu.Unlock()
}

// Open downloads remotePath, opens it in the editor and starts watching it.
// On failure nothing is left behind: the registry entry and the temp file
// are removed.
func (c *Controller) Open(ctx context.Context, remotePath string) (Session, error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		info: Session{
			RemotePath: remotePath,
			LocalPath:  c.tempPath(remotePath),
			State:      StateDownloading,
			OpenedAt:   time.Now(),
		},
		ctx:    watchCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if _, ok := c.sessions[remotePath]; ok {
		c.mu.Unlock()
		cancel()
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyEditing, remotePath)
	}
	c.sessions[remotePath] = s
	c.mu.Unlock()

	// Closing the session while it opens stops the download and launch.
	openCtx, stopOpen := context.WithCancel(ctx)
	defer stopOpen()
	stop := context.AfterFunc(watchCtx, stopOpen)
	defer stop()

	local := s.info.LocalPath
	fail := func(err error) (Session, error) {
		if c.isClosing(s) && !errors.Is(err, ErrNotEditing) {
			err = fmt.Errorf("%w: %s was closed while opening: %w", ErrNotEditing, remotePath, err)
		}
		cancel()
		close(s.done)
		c.forget(s)
		if rmErr := os.Remove(local); rmErr != nil && !os.IsNotExist(rmErr) {
			c.logger.Debug().Err(rmErr).Str("path", local).Msg("failed to remove temp file")
		}
		return Session{}, err
	}

	if err := os.MkdirAll(c.cfg.TempDir, 0o700); err != nil {
		return fail(fmt.Errorf("failed to create temp dir: %w", err))
	}
	if err := c.transfer.DownloadFile(openCtx, remotePath, local); err != nil {
		return fail(fmt.Errorf("failed to download %s: %w", remotePath, err))
	}

	info, err := os.Stat(local)
	if err != nil {
		return fail(fmt.Errorf("failed to stat local copy: %w", err))
	}
	s.mu.Lock()
	s.info.LastModified = info.ModTime()
	s.info.Size = info.Size()
	s.mu.Unlock()

	if err := c.launcher.Launch(openCtx, local); err != nil {
		return fail(fmt.Errorf("failed to open editor: %w", err))
	}

	if !c.markOpened(s) {
		return fail(fmt.Errorf("%w: %s was closed while opening", ErrNotEditing, remotePath))
	}

	watcher := c.newWatcher(local)
	s.setState(StateWatching)
	go c.watch(s, watcher)

	c.metrics.EditSessionOpened()
	_ = c.events.PublishEditOpened(remotePath, local)
	c.logger.Info().Str("remote", remotePath).Str("local", local).Msg("edit session opened")

	return s.snapshot(), nil
}

// newWatcher watches the directory holding local so replace-on-save editors
// are seen too. It returns nil when fsnotify is unavailable; polling still
// covers the file.
func (c *Controller) newWatcher(local string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		return nil
	}
	if err := watcher.Add(filepath.Dir(local)); err != nil {
		c.logger.Debug().Err(err).Msg("failed to watch temp dir, polling only")
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// Close stops watching remotePath, uploads the local copy one last time and
// removes it. An upload failure is returned after cleanup has finished.
func (c *Controller) Close(ctx context.Context, remotePath string) error {
	s, ok := c.claim(remotePath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEditing, remotePath)
	}

	s.cancel()
	<-s.done
	if !c.isOpened(s) {
		return fmt.Errorf("%w: %s", ErrNotEditing, remotePath)
	}
	return c.finish(ctx, s, ReasonClosed)
}

// CloseAll closes every session. Upload failures are joined.
func (c *Controller) CloseAll(ctx context.Context) error {
	c.mu.Lock()
	paths := make([]string, 0, len(c.sessions))
	for p := range c.sessions {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range paths {
		s, ok := c.claim(p)
		if !ok {
			continue
		}
		s.cancel()
		<-s.done
		if !c.isOpened(s) {
			continue
		}
		if err := c.finish(ctx, s, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sessions returns snapshots of all live sessions ordered by remote path.
func (c *Controller) Sessions() []Session {
	c.mu.Lock()
	live := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	out := make([]Session, 0, len(live))
	for _, s := range live {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RemotePath < out[j].RemotePath
	})
	return out
}

// Get returns the snapshot of the session for remotePath.
func (c *Controller) Get(remotePath string) (Session, bool) {
	c.mu.Lock()
	s, ok := c.sessions[remotePath]
	c.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Wait blocks until no sessions remain or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		n := len(c.sessions)
		changed := c.changed
		c.mu.Unlock()

		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// claim marks the session for remotePath as closing. Only one caller wins.
func (c *Controller) claim(remotePath string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[remotePath]
	if !ok || s.closing {
		return nil, false
	}
	s.closing = true
	return s, true
}

func (c *Controller) claimSession(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.closing || c.sessions[s.info.RemotePath] != s {
		return false
	}
	s.closing = true
	return true
}

// markOpened records that Open finished for s. It fails when s was claimed
// for closing while Open was still running.
func (c *Controller) markOpened(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.closing {
		return false
	}
	s.opened = true
	return true
}

func (c *Controller) isClosing(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.closing
}

func (c *Controller) isOpened(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.opened
}

// forget removes s from the registry and wakes Wait.
func (c *Controller) forget(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[s.info.RemotePath] == s {
		delete(c.sessions, s.info.RemotePath)
		close(c.changed)
		c.changed = make(chan struct{})
	}
}

// finish runs the final upload and teardown of a stopped session.
func (c *Controller) finish(ctx context.Context, s *session, reason string) error {
	local := s.info.LocalPath
	remote := s.info.RemotePath

	var uploadErr error
	if _, err := os.Stat(local); err == nil {
		s.setState(StateUploading)
		uploadErr = c.upload(ctx, s, TriggerClose)
	}

	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		c.logger.Debug().Err(err).Str("path", local).Msg("failed to remove temp file")
	}

	c.forget(s)
	s.setState(StateClosed)

	c.metrics.EditSessionClosed()
	_ = c.events.PublishEditClosed(remote, reason)
	c.logger.Info().Str("remote", remote).Str("reason", reason).Msg("edit session closed")

	return uploadErr
}

// upload pushes the local copy to the remote path and records the outcome.
func (c *Controller) upload(ctx context.Context, s *session, trigger string) error {
	local := s.info.LocalPath
	remote := s.info.RemotePath

	err := c.transfer.UploadFile(ctx, local, remote)
	c.metrics.RecordEditUpload(trigger, err)
	if err != nil {
		c.logger.Error().Err(err).Str("remote", remote).Str("trigger", trigger).Msg("failed to upload edited file")
		_ = c.events.PublishEditUploadFailed(remote, trigger, err.Error())
		return fmt.Errorf("failed to upload %s: %w", remote, err)
	}

	var size int64
	if info, statErr := os.Stat(local); statErr == nil {
		size = info.Size()
	}

	s.mu.Lock()
	s.info.Uploads++
	s.info.LastUpload = time.Now()
	s.mu.Unlock()

	_ = c.events.PublishEditUploaded(remote, trigger, size)
	c.logger.Debug().Str("remote", remote).Str("trigger", trigger).Int64("size", size).Msg("edited file uploaded")
	return nil
}

// tempPath names the local copy of remotePath. The uuid keeps copies of
// equally named files apart.
func (c *Controller) tempPath(remotePath string) string {
	base := path.Base(remotePath)
	if base == "/" || base == "." || base == ".." {
		base = "file"
	}
	base = strings.ReplaceAll(base, string(filepath.Separator), "_")
	return filepath.Join(c.cfg.TempDir, "froyo-scp-"+uuid.NewString()+"-"+base)
}
