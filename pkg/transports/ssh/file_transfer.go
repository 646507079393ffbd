package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-scp/pkg/listing"
	"github.com/openfroyo/froyo-scp/pkg/remotepath"
)

// structuredBackend performs file operations with SFTP requests. Operations
// are serialized: the mutex is held for the whole of each call.
type structuredBackend struct {
	mu     sync.Mutex
	conn   clients
	logger zerolog.Logger
}

func newStructuredBackend(conn clients, logger zerolog.Logger) *structuredBackend {
	return &structuredBackend{conn: conn, logger: logger}
}

func (b *structuredBackend) name() string { return transportStructured }

// list reads dir and classifies links. Each non-directory entry is probed
// with ReadLink; a link whose resolved target stats as a directory becomes
// a symlink-dir. Probe failures leave the entry as reported.
func (b *structuredBackend) list(ctx context.Context, dir string) ([]listing.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return nil, err
	}

	infos, err := c.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]listing.Entry, 0, len(infos))
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}

		e := listing.FromFileInfo(fi)
		if e.Kind != listing.KindDirectory {
			b.probeLink(c, dir, &e)
		}
		entries = append(entries, e)
	}

	listing.Sort(entries)
	return entries, nil
}

func (b *structuredBackend) probeLink(c *sftp.Client, dir string, e *listing.Entry) {
	target, err := c.ReadLink(remotepath.Join(dir, e.Name))
	if err != nil {
		return
	}

	e.Kind = listing.KindSymlink
	e.SymlinkTarget = target

	fi, err := c.Stat(remotepath.Resolve(dir, target))
	if err != nil {
		b.logger.Debug().Err(err).Str("link", e.Name).Str("target", target).Msg("symlink target not reachable")
		return
	}
	if fi.IsDir() {
		e.Kind = listing.KindSymlinkDir
	}
}

func (b *structuredBackend) read(ctx context.Context, remote string, w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return 0, err
	}
	return b.readLocked(ctx, c, remote, w)
}

func (b *structuredBackend) readLocked(ctx context.Context, c *sftp.Client, remote string, w io.Writer) (int64, error) {
	remoteFile, err := c.Open(remote)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, w, remoteFile)
	if err != nil {
		return n, fmt.Errorf("failed to copy file: %w", err)
	}
	return n, nil
}

func (b *structuredBackend) write(ctx context.Context, r io.Reader, remote string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return 0, err
	}
	return b.writeLocked(ctx, c, r, remote, 0)
}

func (b *structuredBackend) writeLocked(ctx context.Context, c *sftp.Client, r io.Reader, remote string, mode os.FileMode) (int64, error) {
	remoteFile, err := c.Create(remote)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}

	n, err := copyWithContext(ctx, remoteFile, r)
	closeErr := remoteFile.Close()
	if err != nil {
		return n, fmt.Errorf("failed to copy file: %w", err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("failed to close remote file: %w", closeErr)
	}

	if mode != 0 {
		if err := c.Chmod(remote, mode); err != nil {
			b.logger.Warn().Err(err).Str("path", remote).Msg("failed to set file permissions")
		}
	}
	return n, nil
}

func (b *structuredBackend) isDir(ctx context.Context, remote string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return false, err
	}
	fi, err := c.Stat(remote)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func (b *structuredBackend) mkdirAll(ctx context.Context, remote string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return err
	}
	return c.MkdirAll(remote)
}

func (b *structuredBackend) remove(ctx context.Context, remote string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return err
	}
	return c.Remove(remote)
}

// removeAll deletes remote depth first: files and links go first, then each
// directory once it is empty. Links are removed, never followed.
func (b *structuredBackend) removeAll(ctx context.Context, remote string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return err
	}
	return b.removeTree(ctx, c, remote)
}

func (b *structuredBackend) removeTree(ctx context.Context, c *sftp.Client, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := c.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		child := remotepath.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := b.removeTree(ctx, c, child); err != nil {
				return err
			}
			continue
		}
		if err := c.Remove(child); err != nil {
			return fmt.Errorf("failed to remove %s: %w", child, err)
		}
	}

	if err := c.RemoveDirectory(dir); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", dir, err)
	}
	return nil
}

func (b *structuredBackend) rename(ctx context.Context, oldPath, newPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return err
	}
	return c.Rename(oldPath, newPath)
}

// uploadTree walks local and recreates it under remote, creating each
// directory before the files in it. Nothing is rolled back on failure; the
// report counts what was placed.
func (b *structuredBackend) uploadTree(ctx context.Context, local, remote string) (UploadReport, error) {
	report := UploadReport{Strategy: StrategyPerEntry}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return report, err
	}

	err = filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		target := remote
		if rel != "." {
			target = remotepath.Join(remote, filepath.ToSlash(rel))
		}

		if d.IsDir() {
			b.logger.Debug().Str("dir", target).Msg("creating remote directory")
			if err := c.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			report.Directories++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			b.logger.Debug().Str("path", p).Msg("skipping non-regular file")
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		n, err := b.writeLocked(ctx, c, f, target, info.Mode().Perm())
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to upload file %s: %w", p, err)
		}
		report.Files++
		report.Bytes += n
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("%w (placed %d directories and %d files)", err, report.Directories, report.Files)
	}
	return report, nil
}

// downloadTree walks remote and recreates it under local.
func (b *structuredBackend) downloadTree(ctx context.Context, remote, local string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn.sftpClient()
	if err != nil {
		return 0, err
	}

	files := 0
	walker := c.Walk(remote)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return files, fmt.Errorf("failed to walk remote directory: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return files, err
		}

		rel, err := relRemote(remote, walker.Path())
		if err != nil {
			return files, err
		}
		target := filepath.Join(local, filepath.FromSlash(rel))

		fi := walker.Stat()
		switch {
		case fi.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case fi.Mode().IsRegular():
			if err := b.downloadOne(ctx, c, walker.Path(), target, fi.Mode().Perm()); err != nil {
				return files, fmt.Errorf("failed to download file %s: %w", walker.Path(), err)
			}
			files++
		default:
			b.logger.Debug().Str("path", walker.Path()).Msg("skipping non-regular remote entry")
		}
	}
	return files, nil
}

func (b *structuredBackend) downloadOne(ctx context.Context, c *sftp.Client, remote, local string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = b.readLocked(ctx, c, remote, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// relRemote returns p relative to root using slash semantics.
func relRemote(root, p string) (string, error) {
	root = path.Clean(root)
	p = path.Clean(p)
	if p == root {
		return ".", nil
	}
	if root == "." {
		return p, nil
	}
	prefix := root + "/"
	if root == "/" {
		prefix = "/"
	}
	if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
		return "", errors.New("walked outside of " + root + ": " + p)
	}
	return p[len(prefix):], nil
}
