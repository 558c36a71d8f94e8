package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"

	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/manifest"
	botel "github.com/substratehq/bootman/lib/otel"
	"github.com/substratehq/bootman/lib/paths"
)

// Manager handles deployable image lifecycle operations.
type Manager interface {
	// CreateImage accepts a build-root archive and builds an image
	// asynchronously through the build queue.
	CreateImage(ctx context.Context, req CreateImageRequest) (*Image, error)

	// BuildFromDir builds an image synchronously from an on-disk build
	// root. This is the one-shot launcher path.
	BuildFromDir(ctx context.Context, buildRoot string) (*Image, error)

	ListImages(ctx context.Context) ([]Image, error)
	GetImage(ctx context.Context, id string) (*Image, error)
	DeleteImage(ctx context.Context, id string) error

	// Layout exposes the shared OCI layout backing all images.
	Layout() *Layout
}

type manager struct {
	paths          *paths.Paths
	layout         *Layout
	source         index.Source
	queue          *buildQueue
	maxSourceBytes int64
	logger         *slog.Logger
	metrics        *botel.BuildMetrics
}

// NewManager creates a new image manager. meter may be nil to disable
// metrics.
func NewManager(p *paths.Paths, source index.Source, maxConcurrentBuilds int, maxSourceBytes int64, logger *slog.Logger, meter metric.Meter) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	layout, err := NewLayout(p)
	if err != nil {
		return nil, fmt.Errorf("open layout: %w", err)
	}

	m := &manager{
		paths:          p,
		layout:         layout,
		source:         source,
		queue:          newBuildQueue(maxConcurrentBuilds),
		maxSourceBytes: maxSourceBytes,
		logger:         logger,
	}

	if meter != nil {
		metrics, err := botel.NewBuildMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

func (m *manager) Layout() *Layout {
	return m.layout
}

func (m *manager) CreateImage(ctx context.Context, req CreateImageRequest) (*Image, error) {
	buildRoot, err := os.MkdirTemp("", "bootman-build-*")
	if err != nil {
		return nil, fmt.Errorf("create build root: %w", err)
	}

	cleanup := func() { os.RemoveAll(buildRoot) }

	if _, err := ExtractTarGz(bytes.NewReader(req.SourceArchive), buildRoot, m.maxSourceBytes); err != nil {
		cleanup()
		return nil, fmt.Errorf("extract source archive: %w", err)
	}

	project, deps, err := manifest.Load(buildRoot)
	if err != nil {
		cleanup()
		return nil, err
	}

	id := imageID(project.Name, project.Version)
	ref, err := ImageReference(project.Name, project.Version)
	if err != nil {
		cleanup()
		return nil, err
	}

	if m.queue.isActive(id) {
		cleanup()
		return nil, fmt.Errorf("%w: %s", ErrBuildInProgress, id)
	}

	img := newPendingImage(id, ref, project)
	if err := writeMetadata(m.paths, img); err != nil {
		cleanup()
		return nil, err
	}

	// The request context ends with the HTTP request; the build must not.
	buildCtx := context.WithoutCancel(ctx)

	// The build goroutine owns img from here on; the caller gets a
	// detached snapshot it can serialize without racing setStatus.
	snapshot := *img
	pos := m.queue.enqueue(id, func() {
		defer cleanup()
		defer m.queue.markComplete(id)
		m.runBuild(buildCtx, img, buildRoot, project, deps)
	})
	if pos > 0 {
		snapshot.QueuePosition = &pos
	}

	return &snapshot, nil
}

func (m *manager) BuildFromDir(ctx context.Context, buildRoot string) (*Image, error) {
	project, deps, err := manifest.Load(buildRoot)
	if err != nil {
		return nil, err
	}

	id := imageID(project.Name, project.Version)
	ref, err := ImageReference(project.Name, project.Version)
	if err != nil {
		return nil, err
	}
	if m.queue.isActive(id) {
		return nil, fmt.Errorf("%w: %s", ErrBuildInProgress, id)
	}

	img := newPendingImage(id, ref, project)
	if err := m.build(ctx, img, buildRoot, project, deps); err != nil {
		// The build persisted intermediate statuses; a failed one-shot
		// build must not leave a phantom record behind.
		if derr := deleteMetadata(m.paths, id); derr != nil && !errors.Is(derr, ErrNotFound) {
			m.logger.Warn("remove failed build metadata", "id", id, "error", derr)
		}
		return nil, err
	}
	if err := writeMetadata(m.paths, img); err != nil {
		return nil, err
	}
	return img, nil
}

// runBuild is the queue-driven build wrapper: it persists every status
// transition and records the terminal state instead of returning an error.
func (m *manager) runBuild(ctx context.Context, img *Image, buildRoot string, project *manifest.Project, deps []manifest.Dependency) {
	start := time.Now()

	err := m.build(ctx, img, buildRoot, project, deps)
	if err != nil {
		m.logger.Error("image build failed", "id", img.ID, "error", err)
		img.Status = StatusError
		img.Error = lo.ToPtr(err.Error())
	}

	if m.metrics != nil {
		m.metrics.Record(ctx, time.Since(start), err == nil)
	}

	if werr := writeMetadata(m.paths, img); werr != nil {
		m.logger.Error("persist image metadata", "id", img.ID, "error", werr)
	}
}

func (m *manager) ListImages(ctx context.Context) ([]Image, error) {
	metas, err := listMetadata(m.paths)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}

	return lo.Map(metas, func(img *Image, _ int) Image {
		m.overlayQueueState(img)
		return *img
	}), nil
}

func (m *manager) GetImage(ctx context.Context, id string) (*Image, error) {
	img, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}
	m.overlayQueueState(img)
	return img, nil
}

func (m *manager) DeleteImage(ctx context.Context, id string) error {
	if m.queue.isActive(id) {
		return fmt.Errorf("%w: %s", ErrBuildInProgress, id)
	}

	img, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}

	if img.Digest != "" {
		if err := m.layout.RemoveImage(digest.Digest(img.Digest)); err != nil {
			return fmt.Errorf("remove layout image: %w", err)
		}
		os.RemoveAll(m.paths.RootfsDir(digestHexFrom(img.Digest)))
	}

	return deleteMetadata(m.paths, id)
}

// overlayQueueState refreshes the live queue position on a metadata record.
func (m *manager) overlayQueueState(img *Image) {
	if img.Status == StatusReady || img.Status == StatusError {
		img.QueuePosition = nil
		return
	}
	img.QueuePosition = m.queue.position(img.ID)
}

func newPendingImage(id, ref string, project *manifest.Project) *Image {
	return &Image{
		ID:         id,
		Name:       project.Name,
		Version:    project.Version,
		Reference:  ref,
		Status:     StatusPending,
		Entrypoint: project.Entrypoint,
		Server:     project.Server,
		Port:       project.Port,
		WorkDir:    project.WorkDir,
		Env:        project.Env,
		Services: lo.Map(project.Services, func(s manifest.Service, _ int) ServiceRef {
			return ServiceRef{Name: s.Name, Address: s.Address}
		}),
		CreatedAt: time.Now().UTC(),
	}
}
