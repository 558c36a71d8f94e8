package images

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// layerBlob is one finished image layer: the gzipped tar bytes plus the
// digests the manifest and config need.
type layerBlob struct {
	Compressed []byte
	Digest     digest.Digest // sha256 of the compressed bytes
	DiffID     digest.Digest // sha256 of the uncompressed tar stream
}

// epoch is the fixed timestamp stamped on every layer entry. Identical
// inputs must produce identical layer digests, so no wall-clock time may
// leak into the tar stream.
var epoch = time.Unix(0, 0)

// skippedDirs are source-tree directories never packed into a layer.
var skippedDirs = map[string]bool{
	".git": true, ".hg": true, "__pycache__": true, "node_modules": true,
}

// packLayer walks srcDir and produces a deterministic gzipped tar layer with
// every entry placed under prefix (e.g. "app/src"). Entries are sorted,
// timestamps zeroed, and ownership normalized so the layer digest is a pure
// function of file contents and modes.
func packLayer(srcDir, prefix string) (*layerBlob, error) {
	var entries []string
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcDir {
			return nil
		}
		if d.IsDir() && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		entries = append(entries, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source dir: %w", err)
	}
	sort.Strings(entries)

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	diffHasher := digest.SHA256.Digester()
	tw := tar.NewWriter(io.MultiWriter(gzw, diffHasher.Hash()))

	// Parent directories of the prefix itself.
	if err := writePrefixDirs(tw, prefix); err != nil {
		return nil, err
	}

	for _, rel := range entries {
		full := filepath.Join(srcDir, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}
		name := path.Join(prefix, filepath.ToSlash(rel))

		switch {
		case info.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0755,
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write dir header %s: %w", name, err)
			}

		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(full)
			if err != nil {
				return nil, fmt.Errorf("readlink %s: %w", rel, err)
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: link,
				Mode:     0777,
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write symlink header %s: %w", name, err)
			}

		case info.Mode().IsRegular():
			mode := int64(0644)
			if info.Mode()&0111 != 0 {
				mode = 0755
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     mode,
				Size:     info.Size(),
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, fmt.Errorf("write file header %s: %w", name, err)
			}
			f, err := os.Open(full)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", rel, err)
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("copy %s: %w", rel, err)
			}

		default:
			// Sockets, devices etc. have no place in a deployable image.
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	blob := compressed.Bytes()
	return &layerBlob{
		Compressed: blob,
		Digest:     digest.FromBytes(blob),
		DiffID:     diffHasher.Digest(),
	}, nil
}

// writePrefixDirs emits directory entries for each component of prefix.
func writePrefixDirs(tw *tar.Writer, prefix string) error {
	if prefix == "" {
		return nil
	}
	parts := strings.Split(path.Clean(prefix), "/")
	for i := range parts {
		name := path.Join(parts[:i+1]...) + "/"
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name,
			Mode:     0755,
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write prefix dir %s: %w", name, err)
		}
	}
	return nil
}
