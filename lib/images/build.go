package images

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/manifest"
)

// Image config labels recording the start contract for registry consumers.
const (
	LabelName       = "run.substratehq.bootman.name"
	LabelVersion    = "run.substratehq.bootman.version"
	LabelEntrypoint = "run.substratehq.bootman.entrypoint"
	LabelServer     = "run.substratehq.bootman.server"
)

// sourcePrefix is the directory under the working directory holding the
// copied source tree.
const sourcePrefix = "src"

// depsPrefix is the directory under the working directory holding extracted
// dependency artifacts.
const depsPrefix = "deps"

// maxConcurrentFetches bounds parallel artifact downloads. Resolution itself
// stays sequential so its failure order is stable.
const maxConcurrentFetches = 4

// build runs the whole linear build sequence: resolve, fetch, pack, store.
// On any error the image layout is untouched; only the caller's build record
// changes. This keeps the "no partial image" contract.
func (m *manager) build(ctx context.Context, img *Image, buildRoot string, project *manifest.Project, deps []manifest.Dependency) error {
	m.setStatus(img, StatusResolving)
	m.logger.Info("resolving dependencies", "id", img.ID, "count", len(deps))

	resolver := index.NewResolver(m.source)
	lock, err := resolver.Resolve(ctx, deps)
	if err != nil {
		return err
	}
	img.Lock = lock

	m.setStatus(img, StatusFetching)
	depsDir, err := os.MkdirTemp("", "bootman-deps-*")
	if err != nil {
		return fmt.Errorf("create deps dir: %w", err)
	}
	defer os.RemoveAll(depsDir)

	if err := m.fetchArtifacts(ctx, lock, depsDir); err != nil {
		return err
	}

	m.setStatus(img, StatusPacking)
	workPrefix := strings.TrimPrefix(path.Clean(project.WorkDir), "/")

	depsLayer, err := packLayer(depsDir, path.Join(workPrefix, depsPrefix))
	if err != nil {
		return fmt.Errorf("pack deps layer: %w", err)
	}
	srcLayer, err := packLayer(buildRoot, path.Join(workPrefix, sourcePrefix))
	if err != nil {
		return fmt.Errorf("pack source layer: %w", err)
	}

	cfg := newImageConfig(
		imageEnv(project),
		serveCommand(project),
		project.WorkDir,
		project.Port,
		map[string]string{
			LabelName:       project.Name,
			LabelVersion:    project.Version,
			LabelEntrypoint: project.Entrypoint,
			LabelServer:     project.Server,
		},
		[]digest.Digest{depsLayer.DiffID, srcLayer.DiffID},
	)

	oldDigest := img.Digest
	manifestDigest, size, err := m.layout.PutImage(cfg, []*layerBlob{depsLayer, srcLayer})
	if err != nil {
		return fmt.Errorf("store image: %w", err)
	}

	// A rebuild replaces the previous image wholesale.
	if oldDigest != "" && oldDigest != manifestDigest.String() {
		if err := m.layout.RemoveImage(digest.Digest(oldDigest)); err != nil {
			m.logger.Warn("remove replaced image", "id", img.ID, "error", err)
		}
	}

	img.Digest = manifestDigest.String()
	img.SizeBytes = size
	img.Status = StatusReady
	img.Error = nil

	m.logger.Info("image built", "id", img.ID, "digest", img.Digest, "size_bytes", size)
	return nil
}

// fetchArtifacts downloads every locked artifact (digest-verified) and
// extracts it under depsDir. Downloads run in parallel; extraction happens
// in lock order so the resulting tree is deterministic.
func (m *manager) fetchArtifacts(ctx context.Context, lock *index.Lock, depsDir string) error {
	archives := make([][]byte, len(lock.Packages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, pkg := range lock.Packages {
		g.Go(func() error {
			var buf bytes.Buffer
			if _, err := m.source.FetchArtifact(gctx, index.Version{
				Version: pkg.Version,
				URL:     pkg.URL,
				SHA256:  pkg.SHA256,
			}, &buf); err != nil {
				return fmt.Errorf("fetch %s@%s: %w", pkg.Name, pkg.Version, err)
			}
			archives[i] = buf.Bytes()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, pkg := range lock.Packages {
		target := filepath.Join(depsDir, pkg.Name)
		if _, err := ExtractTarGz(bytes.NewReader(archives[i]), target, m.maxSourceBytes); err != nil {
			return fmt.Errorf("extract %s@%s: %w", pkg.Name, pkg.Version, err)
		}
	}
	return nil
}

// serveCommand is the image entrypoint: the server binary, the application
// reference, and the bind address and port it must use.
func serveCommand(project *manifest.Project) []string {
	return []string{
		project.Server,
		project.Entrypoint,
		"--host", manifest.DefaultBindHost,
		"--port", strconv.Itoa(project.Port),
	}
}

// imageEnv flattens the project env into sorted KEY=VALUE form so the
// config blob is deterministic.
func imageEnv(project *manifest.Project) []string {
	keys := make([]string, 0, len(project.Env))
	for k := range project.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+project.Env[k])
	}
	return env
}

func (m *manager) setStatus(img *Image, s Status) {
	img.Status = s
	if err := writeMetadata(m.paths, img); err != nil {
		m.logger.Warn("persist status transition", "id", img.ID, "status", s, "error", err)
	}
}
