package images

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/paths"
)

type fakeIndex struct {
	packages  map[string]*index.Package
	artifacts map[string][]byte // keyed by artifact URL
}

func (f *fakeIndex) GetPackage(ctx context.Context, name string) (*index.Package, error) {
	pkg, ok := f.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", index.ErrPackageNotFound, name)
	}
	return pkg, nil
}

func (f *fakeIndex) FetchArtifact(ctx context.Context, v index.Version, w io.Writer) (int64, error) {
	data, ok := f.artifacts[v.URL]
	if !ok {
		return 0, fmt.Errorf("no artifact at %s", v.URL)
	}
	n, err := w.Write(data)
	return int64(n), err
}

func newTestIndex(t *testing.T) *fakeIndex {
	t.Helper()
	artifact := tarGz(t, map[string]string{
		"lib/webframe.py":  "app = object()\n",
		"bin/appserve":     "#!/bin/sh\nexec true\n",
		"webframe.version": "2.1.3\n",
	})
	return &fakeIndex{
		packages: map[string]*index.Package{
			"webframe": {Name: "webframe", Versions: []index.Version{
				{Version: "2.0.0", URL: "fake://webframe-2.0.0"},
				{Version: "2.1.3", URL: "fake://webframe-2.1.3"},
			}},
		},
		artifacts: map[string][]byte{
			"fake://webframe-2.0.0": artifact,
			"fake://webframe-2.1.3": artifact,
		},
	}
}

func writeProject(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootman.yaml"), []byte(`
name: knowledge-api
version: 1.2.0
entrypoint: knowledge.api:server
env:
  LOG_FORMAT: json
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dependencies.yaml"), []byte(`
dependencies:
  - name: webframe
    constraint: "^2.1.0"
`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "knowledge"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "knowledge", "api.py"), []byte("server = object()\n"), 0o644))
}

func newTestManager(t *testing.T, source index.Source) (Manager, *paths.Paths) {
	t.Helper()
	p := paths.New(t.TempDir())
	mgr, err := NewManager(p, source, 1, 64<<20, nil, nil)
	require.NoError(t, err)
	return mgr, p
}

func TestBuildFromDir(t *testing.T) {
	mgr, p := newTestManager(t, newTestIndex(t))

	buildRoot := t.TempDir()
	writeProject(t, buildRoot)

	img, err := mgr.BuildFromDir(context.Background(), buildRoot)
	require.NoError(t, err)

	assert.Equal(t, "img-knowledge-api-1-2-0", img.ID)
	assert.Equal(t, "knowledge-api:1.2.0", img.Reference)
	assert.Equal(t, StatusReady, img.Status)
	assert.Contains(t, img.Digest, "sha256:")
	assert.Greater(t, img.SizeBytes, int64(0))
	require.NotNil(t, img.Lock)
	require.Len(t, img.Lock.Packages, 1)
	assert.Equal(t, "2.1.3", img.Lock.Packages[0].Version)

	// Manifest blob is on disk and resolvable through the layout.
	_, err = os.Stat(mgr.Layout().BlobPath(digestHexFrom(img.Digest)))
	require.NoError(t, err)

	// Metadata survives a manager restart.
	mgr2, err := NewManager(p, newTestIndex(t), 1, 64<<20, nil, nil)
	require.NoError(t, err)
	got, err := mgr2.GetImage(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.Digest, got.Digest)
}

func TestBuildFromDirDeterministic(t *testing.T) {
	buildRoot := t.TempDir()
	writeProject(t, buildRoot)

	mgrA, _ := newTestManager(t, newTestIndex(t))
	a, err := mgrA.BuildFromDir(context.Background(), buildRoot)
	require.NoError(t, err)

	mgrB, _ := newTestManager(t, newTestIndex(t))
	b, err := mgrB.BuildFromDir(context.Background(), buildRoot)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.SizeBytes, b.SizeBytes)
}

func TestBuildFromDirUnresolvableLeavesNoImage(t *testing.T) {
	source := newTestIndex(t)
	mgr, p := newTestManager(t, source)

	buildRoot := t.TempDir()
	writeProject(t, buildRoot)
	require.NoError(t, os.WriteFile(filepath.Join(buildRoot, "dependencies.yaml"), []byte(`
dependencies:
  - name: webframe
    constraint: "^2.1.0"
  - name: no-such-package
    constraint: "^1.0.0"
`), 0o644))

	_, err := mgr.BuildFromDir(context.Background(), buildRoot)
	require.ErrorIs(t, err, index.ErrDependencyResolution)

	// No metadata record survives the failure either: the image must not
	// show up as stuck mid-build.
	_, err = mgr.GetImage(context.Background(), "img-knowledge-api-1-2-0")
	require.ErrorIs(t, err, ErrNotFound)

	imgs, err := mgr.ListImages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, imgs)

	// Nothing was committed to the layout.
	var blobs int
	err = filepath.WalkDir(p.LayoutBlobDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			blobs++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, blobs)
}

func TestCreateImageQueuedBuild(t *testing.T) {
	mgr, _ := newTestManager(t, newTestIndex(t))

	buildRoot := t.TempDir()
	writeProject(t, buildRoot)
	archive := archiveDir(t, buildRoot)

	img, err := mgr.CreateImage(context.Background(), CreateImageRequest{SourceArchive: archive})
	require.NoError(t, err)
	assert.Equal(t, "img-knowledge-api-1-2-0", img.ID)

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := mgr.GetImage(context.Background(), img.ID)
		require.NoError(t, err)
		if got.Status == StatusReady {
			assert.Contains(t, got.Digest, "sha256:")
			break
		}
		if got.Status == StatusError {
			t.Fatalf("build failed: %v", *got.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("build never finished, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCreateImageReturnsDetachedRecord(t *testing.T) {
	mgr, _ := newTestManager(t, newTestIndex(t))

	buildRoot := t.TempDir()
	writeProject(t, buildRoot)
	archive := archiveDir(t, buildRoot)

	img, err := mgr.CreateImage(context.Background(), CreateImageRequest{SourceArchive: archive})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, img.Status)

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := mgr.GetImage(context.Background(), img.ID)
		require.NoError(t, err)
		if got.Status == StatusReady {
			break
		}
		require.NotEqual(t, StatusError, got.Status)
		require.False(t, time.Now().After(deadline), "build never finished")
		time.Sleep(20 * time.Millisecond)
	}

	// The record handed back at accept time belongs to the caller. The
	// background build must not mutate it, so an HTTP handler can encode
	// it while the build runs.
	assert.Equal(t, StatusPending, img.Status)
	assert.Empty(t, img.Digest)
}

func TestDeleteImage(t *testing.T) {
	mgr, _ := newTestManager(t, newTestIndex(t))

	buildRoot := t.TempDir()
	writeProject(t, buildRoot)

	img, err := mgr.BuildFromDir(context.Background(), buildRoot)
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteImage(context.Background(), img.ID))

	_, err = mgr.GetImage(context.Background(), img.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

// archiveDir packs a directory tree the way clients upload source archives.
func archiveDir(t *testing.T, dir string) []byte {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tarGz(t, files)
}
