package ssh

import (
	"context"
	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyo-scp/pkg/listing"
)

// backend is the file capability a Session delegates to. Paths are remote
// unless named local. Implementations return plain errors; the Session
// classifies them.
type backend interface {
	name() string
	list(ctx context.Context, dir string) ([]listing.Entry, error)
	read(ctx context.Context, remote string, w io.Writer) (int64, error)
	write(ctx context.Context, r io.Reader, remote string) (int64, error)
	isDir(ctx context.Context, remote string) (bool, error)
	mkdirAll(ctx context.Context, remote string) error
	remove(ctx context.Context, remote string) error
	removeAll(ctx context.Context, remote string) error
	rename(ctx context.Context, oldPath, newPath string) error
	uploadTree(ctx context.Context, local, remote string) (UploadReport, error)
	downloadTree(ctx context.Context, remote, local string) (int, error)
}

// clients hands out the live connection of a Session. Both methods fail
// with KindNotConnected once the session is closed.
type clients interface {
	sshClient() (*ssh.Client, error)
	sftpClient() (*sftp.Client, error)
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
