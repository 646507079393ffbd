package ssh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-scp/pkg/listing"
	"github.com/openfroyo/froyo-scp/pkg/remotepath"
)

// privilegedBackend performs file operations by running shell commands
// through sudo. Calls are not serialized; every command gets its own SSH
// session.
type privilegedBackend struct {
	conn   clients
	exec   *PrivilegedExecutor
	logger zerolog.Logger
	now    func() time.Time
}

func newPrivilegedBackend(conn clients, exec *PrivilegedExecutor, logger zerolog.Logger) *privilegedBackend {
	return &privilegedBackend{
		conn:   conn,
		exec:   exec,
		logger: logger,
		now:    time.Now,
	}
}

func (b *privilegedBackend) name() string { return transportPrivileged }

// list runs ls through sudo. Output received before a non-zero exit is still
// parsed; the listing only fails when nothing usable came back.
func (b *privilegedBackend) list(ctx context.Context, dir string) ([]listing.Entry, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return nil, err
	}

	out, runErr := b.exec.Output(ctx, client, ListCommand(dir))
	entries := listing.Parse(out, b.now())
	if runErr != nil {
		if len(entries) == 0 {
			return nil, runErr
		}
		b.logger.Warn().Err(runErr).Str("dir", dir).Int("entries", len(entries)).Msg("listing incomplete")
	}
	return entries, nil
}

func (b *privilegedBackend) read(ctx context.Context, remote string, w io.Writer) (int64, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	err = b.exec.Run(ctx, client, ReadCommand(remote), nil, cw)
	return cw.n, err
}

type pipeResult struct {
	n   int64
	err error
}

// write streams r base64 encoded into a remote tee. The secret line goes
// first on stdin, so the payload has to survive a text channel.
func (b *privilegedBackend) write(ctx context.Context, r io.Reader, remote string) (int64, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	done := make(chan pipeResult, 1)
	go func() {
		enc := base64.NewEncoder(base64.StdEncoding, pw)
		n, err := copyWithContext(ctx, enc, r)
		if err == nil {
			err = enc.Close()
		}
		pw.CloseWithError(err)
		done <- pipeResult{n: n, err: err}
	}()

	runErr := b.exec.Run(ctx, client, WriteCommand(remote), pr, nil)
	pr.CloseWithError(io.ErrClosedPipe)
	res := <-done

	if runErr != nil {
		return res.n, runErr
	}
	if res.err != nil {
		return res.n, fmt.Errorf("failed to read local data: %w", res.err)
	}
	return res.n, nil
}

func (b *privilegedBackend) isDir(ctx context.Context, remote string) (bool, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return false, err
	}
	out, err := b.exec.Output(ctx, client, IsDirCommand(remote))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "directory", nil
}

func (b *privilegedBackend) run(ctx context.Context, cmd Command) error {
	client, err := b.conn.sshClient()
	if err != nil {
		return err
	}
	return b.exec.Run(ctx, client, cmd, nil, nil)
}

func (b *privilegedBackend) mkdirAll(ctx context.Context, remote string) error {
	return b.run(ctx, MkdirCommand(remote))
}

func (b *privilegedBackend) remove(ctx context.Context, remote string) error {
	return b.run(ctx, RemoveCommand(remote))
}

func (b *privilegedBackend) removeAll(ctx context.Context, remote string) error {
	return b.run(ctx, RemoveAllCommand(remote))
}

func (b *privilegedBackend) rename(ctx context.Context, oldPath, newPath string) error {
	return b.run(ctx, RenameCommand(oldPath, newPath))
}

// uploadTree prefers a single archive stream when the remote has tar and
// falls back to one command per directory and file otherwise.
func (b *privilegedBackend) uploadTree(ctx context.Context, local, remote string) (UploadReport, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return UploadReport{}, err
	}

	if b.exec.Available(ctx, client, "tar") {
		return b.uploadArchive(ctx, local, remote)
	}
	return b.uploadPerEntry(ctx, local, remote)
}

type archiveResult struct {
	report UploadReport
	err    error
}

func (b *privilegedBackend) uploadArchive(ctx context.Context, local, remote string) (UploadReport, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return UploadReport{Strategy: StrategyArchive}, err
	}

	pr, pw := io.Pipe()
	done := make(chan archiveResult, 1)
	go func() {
		report, err := writeTarGz(ctx, pw, local, b.logger)
		pw.CloseWithError(err)
		done <- archiveResult{report: report, err: err}
	}()

	runErr := b.exec.Run(ctx, client, UnpackCommand(remote), pr, nil)
	pr.CloseWithError(io.ErrClosedPipe)
	res := <-done

	// A remote failure closes the pipe under the archive writer, so the
	// writer's closed-pipe error only matters when the remote side succeeded.
	if res.err != nil && (runErr == nil || !errors.Is(res.err, io.ErrClosedPipe)) {
		return UploadReport{Strategy: StrategyArchive}, fmt.Errorf("failed to archive %s: %w", local, res.err)
	}
	if runErr != nil {
		return UploadReport{Strategy: StrategyArchive}, runErr
	}
	return res.report, nil
}

func (b *privilegedBackend) uploadPerEntry(ctx context.Context, local, remote string) (UploadReport, error) {
	report := UploadReport{Strategy: StrategyPerEntry}

	err := filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
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
			if err := b.mkdirAll(ctx, target); err != nil {
				return err
			}
			report.Directories++
			return nil
		}

		if !d.Type().IsRegular() {
			b.logger.Debug().Str("path", p).Msg("skipping non-regular file")
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		n, err := b.write(ctx, f, target)
		f.Close()
		if err != nil {
			return err
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

// downloadTree streams a remote tar when available and otherwise walks the
// tree with ls and cat.
func (b *privilegedBackend) downloadTree(ctx context.Context, remote, local string) (int, error) {
	client, err := b.conn.sshClient()
	if err != nil {
		return 0, err
	}

	if !b.exec.Available(ctx, client, "tar") {
		return b.downloadPerEntry(ctx, remote, local)
	}

	pr, pw := io.Pipe()
	done := make(chan pipeResult, 1)
	go func() {
		files, err := extractTarGz(ctx, pr, local, b.logger)
		if err == nil {
			// tar stops at its end marker; drain the gzip trailer
			_, _ = io.Copy(io.Discard, pr)
		}
		pr.CloseWithError(err)
		done <- pipeResult{n: int64(files), err: err}
	}()

	runErr := b.exec.Run(ctx, client, PackCommand(remote), nil, pw)
	pw.CloseWithError(runErr)
	res := <-done

	// An extraction failure closes the pipe under the remote tar, so its
	// error wins unless it is the remote failure passed through the pipe.
	if res.err != nil && (runErr == nil || !errors.Is(res.err, runErr)) {
		return int(res.n), res.err
	}
	if runErr != nil {
		return int(res.n), runErr
	}
	return int(res.n), nil
}

func (b *privilegedBackend) downloadPerEntry(ctx context.Context, remote, local string) (int, error) {
	if err := os.MkdirAll(local, 0o755); err != nil {
		return 0, err
	}

	entries, err := b.list(ctx, remote)
	if err != nil {
		return 0, err
	}

	files := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		src := remotepath.Join(remote, e.Name)
		dst := filepath.Join(local, e.Name)

		switch e.Kind {
		case listing.KindDirectory:
			n, err := b.downloadPerEntry(ctx, src, dst)
			files += n
			if err != nil {
				return files, err
			}
		case listing.KindFile:
			f, err := os.Create(dst)
			if err != nil {
				return files, err
			}
			_, err = b.read(ctx, src, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return files, err
			}
			files++
		default:
			b.logger.Debug().Str("path", src).Msg("skipping link")
		}
	}
	return files, nil
}

// countingWriter counts bytes passed through to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
