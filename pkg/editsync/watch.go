package editsync

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch runs for the lifetime of one session. It is the only goroutine that
// touches the session's timers, so uploads never overlap.
func (c *Controller) watch(s *session, watcher *fsnotify.Watcher) {
	reason := c.watchLoop(s.ctx, s, watcher)
	if watcher != nil {
		_ = watcher.Close()
	}
	close(s.done)

	if reason == "" {
		return
	}
	if !c.claimSession(s) {
		return
	}
	c.logger.Debug().Str("remote", s.info.RemotePath).Str("reason", reason).Msg("closing edit session")
	_ = c.finish(context.Background(), s, reason)
}

// watchLoop returns the reason the session should close itself, or "" when
// ctx was cancelled.
func (c *Controller) watchLoop(ctx context.Context, s *session, watcher *fsnotify.Watcher) string {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if watcher != nil {
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	local := filepath.Clean(s.info.LocalPath)

	for {
		polled := false

		select {
		case <-ctx.Done():
			return ""

		case <-idle.C:
			return ReasonIdle

		case <-debounceC:
			debounceC = nil
			s.setState(StateUploading)
			_ = c.upload(ctx, s, TriggerSave)
			s.setState(StateWatching)
			continue

		case <-ticker.C:
			polled = true

		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(event.Name) != local {
				continue
			}

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			c.logger.Debug().Err(err).Msg("fsnotify error")
			continue
		}

		changed, exists := c.checkLocal(s)
		if !exists {
			// Editors that save by rename briefly remove the file; only a
			// poll that finds it gone ends the session.
			if polled {
				return ReasonMissing
			}
			continue
		}
		if !changed {
			continue
		}

		idle.Reset(c.cfg.IdleTimeout)
		if debounce == nil {
			debounce = time.NewTimer(c.cfg.UploadDebounce)
		} else {
			debounce.Reset(c.cfg.UploadDebounce)
		}
		debounceC = debounce.C
	}
}

// checkLocal compares the local copy with the last recorded mtime and size
// and records any change.
func (c *Controller) checkLocal(s *session) (changed, exists bool) {
	info, err := os.Stat(s.info.LocalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false
		}
		c.logger.Debug().Err(err).Str("path", s.info.LocalPath).Msg("failed to stat local copy")
		return false, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info.ModTime().Equal(s.info.LastModified) && info.Size() == s.info.Size {
		return false, true
	}
	s.info.LastModified = info.ModTime()
	s.info.Size = info.Size()
	return true, true
}
