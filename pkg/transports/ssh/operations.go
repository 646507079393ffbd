package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/openfroyo/froyo-scp/pkg/listing"
	"github.com/openfroyo/froyo-scp/pkg/remotepath"
	"github.com/openfroyo/froyo-scp/pkg/telemetry"
)

// do runs fn as operation op on a ready session. Failures are classified
// under kind, traced and counted.
func (s *Session) do(ctx context.Context, op string, kind ErrorKind, remote string, fn func(context.Context) error) error {
	if !s.IsReady() {
		s.metrics.RecordError(string(KindNotConnected))
		return errNotConnected(op)
	}

	ctx, span := s.tracer.StartRemoteSpan(ctx, op, s.cfg.Host, remote, s.backend.name())
	err := wrap(kind, op, remote, fn(ctx))
	telemetry.End(span, err)

	if err != nil {
		s.metrics.RecordError(string(KindOf(err)))
		s.logger.Debug().Err(err).Str("op", op).Str("path", remote).Msg("remote operation failed")
	}
	return err
}

// ListDirectory returns the entries of dir sorted directories first. An
// empty dir lists the remote working directory.
func (s *Session) ListDirectory(ctx context.Context, dir string) ([]listing.Entry, error) {
	var entries []listing.Entry
	err := s.do(ctx, "list", KindList, dir, func(ctx context.Context) error {
		if dir == "" {
			wd, err := s.getwd()
			if err != nil {
				return err
			}
			dir = wd
		}

		var err error
		entries, err = s.backend.list(ctx, dir)
		return err
	})
	if KindOf(err) != KindNotConnected {
		s.metrics.RecordListing(s.backend.name(), err)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// WorkingDirectory returns the absolute remote working directory.
func (s *Session) WorkingDirectory(ctx context.Context) (string, error) {
	var wd string
	err := s.do(ctx, "pwd", KindList, "", func(context.Context) error {
		var err error
		wd, err = s.getwd()
		return err
	})
	return wd, err
}

func (s *Session) getwd() (string, error) {
	c, err := s.sftpClient()
	if err != nil {
		return "", err
	}
	return c.Getwd()
}

// ChangeDirectory checks that dir is a remote directory and returns its
// cleaned absolute path. Relative paths resolve against the working
// directory. The session keeps no current directory of its own.
func (s *Session) ChangeDirectory(ctx context.Context, dir string) (string, error) {
	var resolved string
	err := s.do(ctx, "cd", KindList, dir, func(ctx context.Context) error {
		resolved = dir
		if !path.IsAbs(dir) {
			wd, err := s.getwd()
			if err != nil {
				return err
			}
			resolved = remotepath.Resolve(wd, dir)
		} else {
			resolved = path.Clean(dir)
		}

		ok, err := s.backend.isDir(ctx, resolved)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("not a directory: %s", resolved)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// DownloadFile copies remote to local, creating local's parent directory.
// A partially written local file is left in place on failure.
func (s *Session) DownloadFile(ctx context.Context, remote, local string) error {
	timer := telemetry.NewTimer()
	var n int64
	err := s.do(ctx, "download", KindTransfer, remote, func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return fmt.Errorf("failed to create local directory: %w", err)
		}

		f, err := os.Create(local)
		if err != nil {
			return fmt.Errorf("failed to create local file: %w", err)
		}

		n, err = s.backend.read(ctx, remote, f)
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close local file: %w", closeErr)
		}
		return err
	})
	s.recordTransfer("download", n, timer.Duration(), err)
	return err
}

// UploadFile copies the regular file local to remote. The remote parent
// directory must exist.
func (s *Session) UploadFile(ctx context.Context, local, remote string) error {
	timer := telemetry.NewTimer()
	var n int64
	err := s.do(ctx, "upload", KindTransfer, remote, func(ctx context.Context) error {
		f, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("not a regular file: %s", local)
		}

		n, err = s.backend.write(ctx, f, remote)
		return err
	})
	s.recordTransfer("upload", n, timer.Duration(), err)
	return err
}

// UploadDirectory copies the tree under local to remote. The report names
// the strategy used. With StrategyPerEntry a failure leaves a partial tree
// that the report counts; with StrategyArchive a failure reports zero
// entries even if the remote tar extracted some of them.
func (s *Session) UploadDirectory(ctx context.Context, local, remote string) (UploadReport, error) {
	timer := telemetry.NewTimer()
	var report UploadReport
	err := s.do(ctx, "upload-dir", KindTransfer, remote, func(ctx context.Context) error {
		info, err := os.Stat(local)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("not a directory: %s", local)
		}

		report, err = s.backend.uploadTree(ctx, local, remote)
		return err
	})
	s.recordTransfer("upload", report.Bytes, timer.Duration(), err)

	s.logger.Debug().
		Str("strategy", string(report.Strategy)).
		Int("directories", report.Directories).
		Int("files", report.Files).
		Msg("directory upload finished")
	return report, err
}

// DownloadDirectory copies the remote tree under remote to local. Remote
// links and special files are skipped.
func (s *Session) DownloadDirectory(ctx context.Context, remote, local string) error {
	timer := telemetry.NewTimer()
	err := s.do(ctx, "download-dir", KindTransfer, remote, func(ctx context.Context) error {
		files, err := s.backend.downloadTree(ctx, remote, local)
		s.logger.Debug().Int("files", files).Str("local", local).Msg("directory download finished")
		return err
	})
	s.recordTransfer("download", 0, timer.Duration(), err)
	return err
}

// RenameRemote renames or moves oldPath to newPath.
func (s *Session) RenameRemote(ctx context.Context, oldPath, newPath string) error {
	return s.do(ctx, "rename", KindMutation, oldPath, func(ctx context.Context) error {
		return s.backend.rename(ctx, oldPath, newPath)
	})
}

// DeleteRemoteFile removes a single file or link.
func (s *Session) DeleteRemoteFile(ctx context.Context, p string) error {
	return s.do(ctx, "delete", KindMutation, p, func(ctx context.Context) error {
		return s.backend.remove(ctx, p)
	})
}

// DeleteRemoteDirectory removes p and everything below it. Links inside the
// tree are removed, never followed. The filesystem root is refused.
func (s *Session) DeleteRemoteDirectory(ctx context.Context, p string) error {
	return s.do(ctx, "delete-dir", KindMutation, p, func(ctx context.Context) error {
		if p == "" || path.Clean(p) == "/" {
			return errors.New("refusing to delete the remote root")
		}
		return s.backend.removeAll(ctx, p)
	})
}

// MakeDirectory creates p and any missing parents.
func (s *Session) MakeDirectory(ctx context.Context, p string) error {
	return s.do(ctx, "mkdir", KindMutation, p, func(ctx context.Context) error {
		return s.backend.mkdirAll(ctx, p)
	})
}

func (s *Session) recordTransfer(direction string, bytes int64, d time.Duration, err error) {
	if KindOf(err) == KindNotConnected {
		return
	}
	s.metrics.RecordTransfer(direction, s.backend.name(), bytes, d, err)
}
