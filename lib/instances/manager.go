package instances

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"

	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/manifest"
	botel "github.com/substratehq/bootman/lib/otel"
	"github.com/substratehq/bootman/lib/paths"
)

// Manager handles instance lifecycle operations.
type Manager interface {
	// StartInstance launches one process from a built image. On success
	// the instance exclusively holds its TCP port; on entrypoint
	// resolution failure no port is ever bound.
	StartInstance(ctx context.Context, req StartRequest) (*Instance, error)

	ListInstances(ctx context.Context) ([]Instance, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// StopInstance terminates a running instance (SIGTERM, then SIGKILL
	// after the grace period) and releases its port.
	StopInstance(ctx context.Context, id string) error

	// DeleteInstance stops the instance if needed and removes its state.
	DeleteInstance(ctx context.Context, id string) error

	// WaitInstance blocks until the instance process exits and returns
	// its exit code.
	WaitInstance(ctx context.Context, id string) (int, error)

	GetInstanceLogs(ctx context.Context, id string, tail int) (string, error)
	FollowInstanceLogs(ctx context.Context, id string, tail int) (<-chan string, error)
}

type runningProc struct {
	cmd      *exec.Cmd
	listener io.Closer
	done     chan struct{}
	exitCode int

	// guarded by manager.mu
	imageID string
	stopped bool
}

type manager struct {
	paths        *paths.Paths
	imageManager images.Manager
	probeTimeout time.Duration
	stopGrace    time.Duration
	logger       *slog.Logger
	metrics      *botel.LaunchMetrics

	mu    sync.Mutex
	procs map[string]*runningProc
}

// NewManager creates a new instance manager. meter may be nil to disable
// metrics. Instances recorded as running by a previous launcher process are
// marked failed: their processes did not survive the restart.
func NewManager(p *paths.Paths, imageMgr images.Manager, probeTimeout, stopGrace time.Duration, logger *slog.Logger, meter metric.Meter) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		paths:        p,
		imageManager: imageMgr,
		probeTimeout: probeTimeout,
		stopGrace:    stopGrace,
		logger:       logger,
		procs:        make(map[string]*runningProc),
	}

	if meter != nil {
		metrics, err := botel.NewLaunchMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}

	m.markStale()
	return m, nil
}

func (m *manager) StartInstance(ctx context.Context, req StartRequest) (*Instance, error) {
	start := time.Now()
	inst, err := m.startInstance(ctx, req)
	if m.metrics != nil {
		m.metrics.RecordStart(ctx, time.Since(start), err == nil)
	}
	return inst, err
}

func (m *manager) startInstance(ctx context.Context, req StartRequest) (*Instance, error) {
	img, err := m.imageManager.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}
	if img.Status != images.StatusReady {
		return nil, fmt.Errorf("image %s is not ready (status %s)", img.ID, img.Status)
	}

	m.mu.Lock()
	for _, proc := range m.procs {
		if proc.imageID == img.ID {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: image %s", ErrAlreadyRunning, img.ID)
		}
	}
	m.mu.Unlock()

	ep, err := manifest.ParseEntrypoint(img.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartupResolution, err)
	}

	merged := mergedFlags(img.Env, req.Env)
	port := img.Port
	if req.Port != nil {
		port = *req.Port
	}

	id := "inst-" + cuid2.Generate()
	inst := &Instance{
		ID:         id,
		ImageID:    img.ID,
		Digest:     img.Digest,
		Port:       port,
		State:      StateStarting,
		Unbuffered: merged.unbuffered,
		NoCache:    merged.noCache,
		CreatedAt:  time.Now().UTC(),
	}
	if err := writeMetadata(m.paths, inst); err != nil {
		return nil, err
	}

	rootfs, ephemeralRootfs, err := m.prepareRootfs(ctx, inst, img)
	if err != nil {
		return nil, m.failStart(inst, err)
	}

	// Entry point resolution happens strictly before the port bind: a bad
	// reference must exit without ever listening.
	modulePath, err := resolveEntrypoint(rootfs, img.WorkDir, ep)
	if err != nil {
		return nil, m.failStart(inst, err)
	}
	m.logger.Debug("entrypoint resolved", "instance", id, "module", modulePath)

	binPath, err := findServerBinary(rootfs, img.WorkDir, img.Server)
	if err != nil {
		return nil, m.failStart(inst, err)
	}

	if !req.SkipProbes {
		if err := probeServices(ctx, img.Services, m.probeTimeout); err != nil {
			return nil, m.failStart(inst, err)
		}
	}

	ln, lnFile, err := bindListener(manifest.DefaultBindHost, port)
	if err != nil {
		return nil, m.failStart(inst, err)
	}

	args := []string{
		img.Entrypoint,
		"--host", manifest.DefaultBindHost,
		"--port", fmt.Sprintf("%d", port),
	}
	workdirAbs := filepath.Join(rootfs, img.WorkDir)
	env := mergeEnv(img.Env, req.Env, port)

	cmd, logCloser, err := launch(binPath, args, workdirAbs, env, lnFile, m.paths.InstanceLog(id), merged.unbuffered)
	lnFile.Close() // child holds its own dup
	if err != nil {
		ln.Close()
		return nil, m.failStart(inst, err)
	}

	inst.State = StateRunning
	inst.Pid = cmd.Process.Pid
	if err := writeMetadata(m.paths, inst); err != nil {
		m.logger.Error("persist instance metadata", "instance", id, "error", err)
	}

	proc := &runningProc{cmd: cmd, listener: ln, done: make(chan struct{}), imageID: img.ID}
	m.mu.Lock()
	m.procs[id] = proc
	m.mu.Unlock()

	// supervise owns inst from here on; the caller gets a detached
	// snapshot it can serialize without racing the exit path.
	snapshot := *inst
	go m.supervise(inst, proc, logCloser, ephemeralRootfs)

	m.logger.Info("instance started", "instance", id, "image", img.ID, "pid", inst.Pid, "port", port)
	return &snapshot, nil
}

// failStart records a start failure on the instance and passes the error
// through.
func (m *manager) failStart(inst *Instance, err error) error {
	inst.State = StateFailed
	inst.Error = lo.ToPtr(err.Error())
	if werr := writeMetadata(m.paths, inst); werr != nil {
		m.logger.Error("persist start failure", "instance", inst.ID, "error", werr)
	}
	return err
}

// prepareRootfs unpacks the image rootfs, either into the shared digest
// keyed cache or, with the no-cache flag, into a per-instance directory
// removed on exit.
func (m *manager) prepareRootfs(ctx context.Context, inst *Instance, img *images.Image) (string, string, error) {
	digestHex := strings.TrimPrefix(img.Digest, "sha256:")
	layout := m.imageManager.Layout()

	if inst.NoCache {
		dir := filepath.Join(m.paths.InstanceDir(inst.ID), "rootfs")
		if err := layout.UnpackRootfs(ctx, digestHex, dir); err != nil {
			return "", "", fmt.Errorf("unpack rootfs: %w", err)
		}
		return dir, dir, nil
	}

	dir := m.paths.RootfsDir(digestHex)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := layout.UnpackRootfs(ctx, digestHex, dir); err != nil {
			return "", "", fmt.Errorf("unpack rootfs: %w", err)
		}
	}
	return dir, "", nil
}

// supervise waits for the process and records its terminal state.
func (m *manager) supervise(inst *Instance, proc *runningProc, logCloser io.Closer, ephemeralRootfs string) {
	err := proc.cmd.Wait()
	proc.listener.Close()
	logCloser.Close()

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	proc.exitCode = exitCode
	close(proc.done)

	m.mu.Lock()
	delete(m.procs, inst.ID)
	stopped := proc.stopped
	m.mu.Unlock()

	if stopped {
		inst.State = StateStopped
	} else if exitCode == 0 {
		inst.State = StateExited
	} else {
		inst.State = StateFailed
	}
	inst.ExitCode = &exitCode
	inst.Pid = 0
	if werr := writeMetadata(m.paths, inst); werr != nil {
		m.logger.Error("persist instance exit", "instance", inst.ID, "error", werr)
	}

	if ephemeralRootfs != "" {
		os.RemoveAll(ephemeralRootfs)
	}

	if m.metrics != nil {
		m.metrics.RecordExit(context.Background(), exitCode == 0)
	}
	m.logger.Info("instance exited", "instance", inst.ID, "exit_code", exitCode)
}

func (m *manager) ListInstances(ctx context.Context) ([]Instance, error) {
	metas, err := listMetadata(m.paths)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return lo.Map(metas, func(inst *Instance, _ int) Instance {
		return *inst
	}), nil
}

func (m *manager) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return readMetadata(m.paths, id)
}

func (m *manager) StopInstance(ctx context.Context, id string) error {
	inst, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	proc, ok := m.procs[id]
	if ok {
		// supervise reads this when the process exits so a requested stop
		// is not recorded as a failure.
		proc.stopped = true
		inst.State = StateStopped
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	if err := writeMetadata(m.paths, inst); err != nil {
		m.logger.Error("persist stop state", "instance", id, "error", err)
	}

	terminate(proc.cmd.Process.Pid, proc.done, func() <-chan struct{} {
		ch := make(chan struct{})
		time.AfterFunc(m.stopGrace, func() { close(ch) })
		return ch
	})
	return nil
}

func (m *manager) DeleteInstance(ctx context.Context, id string) error {
	if err := m.StopInstance(ctx, id); err != nil && !isIgnorableStopErr(err) {
		return err
	}
	return deleteMetadata(m.paths, id)
}

func (m *manager) WaitInstance(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	proc, ok := m.procs[id]
	m.mu.Unlock()

	if !ok {
		inst, err := readMetadata(m.paths, id)
		if err != nil {
			return 0, err
		}
		if inst.ExitCode != nil {
			return *inst.ExitCode, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-proc.done:
		return proc.exitCode, nil
	}
}

// markStale flags instances left running by a previous launcher process.
func (m *manager) markStale() {
	metas, err := listMetadata(m.paths)
	if err != nil {
		m.logger.Warn("scan instances for stale state", "error", err)
		return
	}
	for _, inst := range metas {
		if inst.State == StateRunning || inst.State == StateStarting {
			inst.State = StateFailed
			inst.Error = lo.ToPtr("launcher restarted while instance was running")
			inst.Pid = 0
			if err := writeMetadata(m.paths, inst); err != nil {
				m.logger.Warn("persist stale state", "instance", inst.ID, "error", err)
			}
		}
	}
}

func isIgnorableStopErr(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// launcherFlags are the merged runtime flag values for one start.
type launcherFlags struct {
	noCache    bool
	unbuffered bool
}

// mergedFlags reads the launcher flags from the image env with request env
// overrides applied. Truthiness is all that matters, so repeated or
// redundant assignment cannot change the effect.
func mergedFlags(imageEnv, overrides map[string]string) launcherFlags {
	get := func(key string) string {
		if v, ok := overrides[key]; ok {
			return v
		}
		return imageEnv[key]
	}
	return launcherFlags{
		noCache:    manifest.IsTruthy(get(manifest.EnvNoCache)),
		unbuffered: manifest.IsTruthy(get(manifest.EnvUnbuffered)),
	}
}
