package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/bootman/cmd/api/config"
	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/instances"
	"github.com/substratehq/bootman/lib/paths"
)

// newTestService creates an ApiService with a temporary data directory and
// an index that knows no packages.
func newTestService(t *testing.T) *ApiService {
	cfg := &config.Config{
		DataDir:        t.TempDir(),
		MaxSourceBytes: 64 << 20,
		ProbeTimeout:   time.Second,
		StopGrace:      time.Second,
	}

	idx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(idx.Close)

	p := paths.New(cfg.DataDir)
	imageMgr, err := images.NewManager(p, index.NewClient(idx.URL), 1, cfg.MaxSourceBytes, nil, nil)
	require.NoError(t, err)
	instanceMgr, err := instances.NewManager(p, imageMgr, cfg.ProbeTimeout, cfg.StopGrace, nil, nil)
	require.NoError(t, err)

	return &ApiService{
		Config:          cfg,
		ImageManager:    imageMgr,
		InstanceManager: instanceMgr,
	}
}

func doRequest(t *testing.T, s *ApiService, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req = req.WithContext(context.Background())
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestGetHealth(t *testing.T) {
	s := newTestService(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListImagesEmpty(t *testing.T) {
	s := newTestService(t)
	rec := doRequest(t, s, http.MethodGet, "/images", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []images.Image
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestGetImageNotFound(t *testing.T) {
	s := newTestService(t)
	rec := doRequest(t, s, http.MethodGet, "/images/img-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Code)
}

func TestCreateImageInvalidManifest(t *testing.T) {
	s := newTestService(t)

	// Valid archive, invalid project description: no name.
	archive := testTarGz(t, map[string]string{
		"bootman.yaml": "version: 1.0.0\nentrypoint: app:server\n",
	})

	rec := doRequest(t, s, http.MethodPost, "/images", archive)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_manifest", body.Code)
}

func TestStartInstanceUnknownImage(t *testing.T) {
	s := newTestService(t)

	payload, err := json.Marshal(StartInstanceRequest{ImageID: "img-missing"})
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/instances", payload)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartInstanceMalformedBody(t *testing.T) {
	s := newTestService(t)
	rec := doRequest(t, s, http.MethodPost, "/instances", []byte("{not json"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetInstanceLogsBadTail(t *testing.T) {
	s := newTestService(t)
	rec := doRequest(t, s, http.MethodGet, "/instances/inst-x/logs?tail=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteInstanceNotFound(t *testing.T) {
	s := newTestService(t)
	rec := doRequest(t, s, http.MethodDelete, "/instances/inst-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func testTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}
