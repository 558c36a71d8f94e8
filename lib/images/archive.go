package images

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrArchiveTooLarge is returned when extracted content exceeds the size limit.
	ErrArchiveTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidArchivePath is returned when a tar entry escapes the destination.
	ErrInvalidArchivePath = errors.New("invalid archive path")
)

// ExtractTarGz extracts a tar.gz archive to destDir, aborting once the
// extracted content exceeds maxBytes. Entry paths are confined to destDir
// via securejoin, so hostile archives cannot traverse outside it. Returns
// the total extracted bytes.
func ExtractTarGz(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var extracted int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read tar header: %w", err)
		}

		target, err := securejoin.SecureJoin(destDir, header.Name)
		if err != nil {
			return extracted, fmt.Errorf("%w: %s", ErrInvalidArchivePath, header.Name)
		}

		if extracted+header.Size > maxBytes {
			return extracted, fmt.Errorf("%w: would exceed %d bytes", ErrArchiveTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return extracted, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return extracted, fmt.Errorf("create file %s: %w", header.Name, err)
			}

			// +1 so an oversized entry is detected rather than silently truncated
			limited := io.LimitReader(tr, maxBytes-extracted+1)
			n, err := io.Copy(f, limited)
			f.Close()
			if err != nil {
				return extracted, fmt.Errorf("write file %s: %w", header.Name, err)
			}
			extracted += n
			if extracted > maxBytes {
				return extracted, fmt.Errorf("%w: exceeded %d bytes", ErrArchiveTooLarge, maxBytes)
			}

		case tar.TypeSymlink:
			// Symlink targets are resolved inside destDir at use time via
			// securejoin; record them as-is.
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return extracted, fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		default:
			// Ignore devices, fifos and other special entries.
		}
	}

	return extracted, nil
}
