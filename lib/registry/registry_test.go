package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/paths"
)

type fakeIndex struct {
	packages  map[string]*index.Package
	artifacts map[string][]byte
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

func buildTestImage(t *testing.T) (*Registry, *images.Image) {
	t.Helper()

	var artifact bytes.Buffer
	gw := gzip.NewWriter(&artifact)
	tw := tar.NewWriter(gw)
	content := "app = object()\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "lib/webframe.py", Mode: 0o644, Size: int64(len(content))}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	source := &fakeIndex{
		packages: map[string]*index.Package{
			"webframe": {Name: "webframe", Versions: []index.Version{
				{Version: "2.1.0", URL: "fake://webframe-2.1.0"},
			}},
		},
		artifacts: map[string][]byte{"fake://webframe-2.1.0": artifact.Bytes()},
	}

	p := paths.New(t.TempDir())
	mgr, err := images.NewManager(p, source, 1, 64<<20, nil, nil)
	require.NoError(t, err)

	buildRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(buildRoot, "bootman.yaml"), []byte(`
name: knowledge-api
version: 1.2.0
entrypoint: knowledge.api:server
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(buildRoot, "dependencies.yaml"), []byte(`
dependencies:
  - name: webframe
    constraint: "^2.0.0"
`), 0o644))

	img, err := mgr.BuildFromDir(context.Background(), buildRoot)
	require.NoError(t, err)

	return New(mgr), img
}

func TestServeManifestByTag(t *testing.T) {
	reg, img := buildTestImage(t)
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v2/knowledge-api/manifests/1.2.0")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, img.Digest, resp.Header.Get("Docker-Content-Digest"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "manifest")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "layers")
}

func TestServeManifestByDigest(t *testing.T) {
	reg, img := buildTestImage(t)
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v2/knowledge-api/manifests/" + img.Digest)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, img.Digest, resp.Header.Get("Docker-Content-Digest"))
}

func TestServeManifestUnknownTag(t *testing.T) {
	reg, _ := buildTestImage(t)
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v2/knowledge-api/manifests/9.9.9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPing(t *testing.T) {
	reg, _ := buildTestImage(t)
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v2/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeBlob(t *testing.T) {
	reg, img := buildTestImage(t)
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	// The manifest digest is itself a blob in the layout.
	digestHex := strings.TrimPrefix(img.Digest, "sha256:")
	resp, err := http.Get(srv.URL + "/v2/knowledge-api/blobs/sha256:" + digestHex)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
