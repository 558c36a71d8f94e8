package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/instances"
	"github.com/substratehq/bootman/lib/logger"
	"github.com/substratehq/bootman/lib/paths"
)

// bootstrap builds a project directory into an image and runs it in the
// foreground, wiring the process output to stdout and exiting with the
// process exit code.
func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		dir          = flag.String("dir", ".", "project directory containing bootman.yaml")
		dataDir      = flag.String("data", "", "state directory (default: temporary, removed on exit)")
		indexURL     = flag.String("index", "https://index.substratehq.run", "package index base URL")
		port         = flag.Int("port", 0, "override the declared port")
		skipProbes   = flag.Bool("skip-probes", false, "skip collaborator reachability probes")
		probeTimeout = flag.Duration("probe-timeout", 30*time.Second, "collaborator probe timeout")
		logLevel     = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	log := logger.New(logger.ParseLevel(*logLevel))

	stateDir := *dataDir
	if stateDir == "" {
		tmp, err := os.MkdirTemp("", "bootman-*")
		if err != nil {
			return 0, fmt.Errorf("create state dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		stateDir = tmp
	}

	projectDir, err := filepath.Abs(*dir)
	if err != nil {
		return 0, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := paths.New(stateDir)
	source := index.NewClient(*indexURL)

	imageMgr, err := images.NewManager(p, source, 1, int64(512*datasize.MB), log, nil)
	if err != nil {
		return 0, fmt.Errorf("create image manager: %w", err)
	}

	img, err := imageMgr.BuildFromDir(ctx, projectDir)
	if err != nil {
		if errors.Is(err, index.ErrDependencyResolution) {
			return 2, err
		}
		return 0, err
	}
	log.Info("image built", "image", img.ID, "digest", img.Digest)

	instanceMgr, err := instances.NewManager(p, imageMgr, *probeTimeout, 10*time.Second, log, nil)
	if err != nil {
		return 0, fmt.Errorf("create instance manager: %w", err)
	}

	req := instances.StartRequest{ImageID: img.ID, SkipProbes: *skipProbes}
	if *port != 0 {
		req.Port = port
	}

	inst, err := instanceMgr.StartInstance(ctx, req)
	if err != nil {
		if errors.Is(err, instances.ErrStartupResolution) {
			return 3, err
		}
		return 0, err
	}

	lines, err := instanceMgr.FollowInstanceLogs(ctx, inst.ID, 0)
	if err != nil {
		log.Warn("follow instance logs", "error", err)
	} else {
		go func() {
			for line := range lines {
				fmt.Println(line)
			}
		}()
	}

	// Forward termination to the child; WaitInstance then observes the
	// resulting exit.
	go func() {
		<-ctx.Done()
		if err := instanceMgr.StopInstance(context.Background(), inst.ID); err != nil {
			log.Warn("stop instance", "error", err)
		}
	}()

	exitCode, err := instanceMgr.WaitInstance(context.Background(), inst.ID)
	if err != nil {
		return 0, err
	}
	return exitCode, nil
}
