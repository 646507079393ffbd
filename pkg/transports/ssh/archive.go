package ssh

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// writeTarGz streams a gzip compressed tar of the tree under root to w.
// Entry names are relative to root. Local symlinks and special files are
// skipped. The returned report counts what went into the archive plus root
// itself, which the unpacking side creates.
func writeTarGz(ctx context.Context, w io.Writer, root string, logger zerolog.Logger) (UploadReport, error) {
	report := UploadReport{Strategy: StrategyArchive}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			report.Directories++
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			report.Directories++

		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			n, err := io.CopyN(tw, f, info.Size())
			f.Close()
			if err != nil {
				return fmt.Errorf("failed to archive %s: %w", p, err)
			}
			report.Files++
			report.Bytes += n

		default:
			logger.Debug().Str("path", p).Msg("skipping non-regular file")
		}
		return nil
	})
	if walkErr != nil {
		return report, walkErr
	}

	if err := tw.Close(); err != nil {
		return report, err
	}
	if err := gz.Close(); err != nil {
		return report, err
	}
	return report, nil
}

// extractTarGz unpacks a gzip compressed tar from r under dest. Entries that
// would land outside dest are rejected; links and special files are skipped.
func extractTarGz(ctx context.Context, r io.Reader, dest string, logger zerolog.Logger) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}

	files := 0
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := archiveTarget(dest, hdr.Name)
		if err != nil {
			return files, err
		}
		if target == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr.FileInfo().Mode())); err != nil {
				return files, err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return files, err
			}
			_, err = copyWithContext(ctx, f, tr)
			closeErr := f.Close()
			if err != nil {
				return files, fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if closeErr != nil {
				return files, closeErr
			}
			files++

		default:
			logger.Debug().Str("entry", hdr.Name).Msg("skipping archive entry")
		}
	}
}

// archiveTarget maps an archive entry name to a path under dest. It returns
// "" for the archive root itself.
func archiveTarget(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "./")))
	if clean == "." {
		return "", nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return filepath.Join(dest, clean), nil
}

// dirMode keeps a directory traversable by its owner whatever the archive says.
func dirMode(m os.FileMode) os.FileMode {
	return m.Perm() | 0o700
}
