package instances

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// bindListener binds the instance's TCP listener. The launcher holds the
// socket itself and passes it to the child, so the declared port and the
// bound port cannot diverge.
func bindListener(host string, port int) (net.Listener, *os.File, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
		}
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		ln.Close()
		return nil, nil, fmt.Errorf("dup listener fd: %w", err)
	}
	return ln, file, nil
}

// findServerBinary locates the server binary for an instance. Paths with a
// separator resolve inside the rootfs; bare names are searched in the
// dependency bin directories, then on the host PATH. A missing binary is an
// entrypoint resolution failure: the start aborts before binding anything.
func findServerBinary(rootfs, workDir, name string) (string, error) {
	if filepath.Base(name) != name {
		full, err := securejoin.SecureJoin(rootfs, filepath.Join(workDir, name))
		if err == nil {
			if info, err := os.Stat(full); err == nil && !info.IsDir() {
				return full, nil
			}
		}
		return "", fmt.Errorf("%w: server binary %q not found in image", ErrStartupResolution, name)
	}

	depsRoot, err := securejoin.SecureJoin(rootfs, filepath.Join(workDir, "deps"))
	if err == nil {
		matches, _ := filepath.Glob(filepath.Join(depsRoot, "*", "bin", name))
		sort.Strings(matches)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
				return m, nil
			}
		}
	}

	if hostPath, err := exec.LookPath(name); err == nil {
		return hostPath, nil
	}
	return "", fmt.Errorf("%w: server binary %q not found", ErrStartupResolution, name)
}

// launch starts the server process with the bound listener as fd 3
// (LISTEN_FDS convention). When unbuffered, the child runs under a pty so
// its stdout is line-flushed; either way all output lands in logPath.
func launch(binPath string, args []string, dir string, env []string, lnFile *os.File, logPath string, unbuffered bool) (*exec.Cmd, io.Closer, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(binPath, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.ExtraFiles = []*os.File{lnFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if unbuffered {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			logFile.Close()
			return nil, nil, fmt.Errorf("start under pty: %w", err)
		}
		go func() {
			defer ptmx.Close()
			// Line-granular copy keeps log writes immediate.
			io.Copy(logFile, ptmx)
		}()
		return cmd, logFile, nil
	}

	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("start process: %w", err)
	}
	return cmd, logFile, nil
}

// terminate sends SIGTERM to the process group, escalating to SIGKILL when
// the done channel stays silent past the grace period.
func terminate(pid int, done <-chan struct{}, graceFn func() <-chan struct{}) {
	unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-done:
	case <-graceFn():
		unix.Kill(-pid, unix.SIGKILL)
		<-done
	}
}

// mergeEnv layers override entries on top of the image env and appends the
// socket-activation variables. The result is sorted for stable process
// environments.
func mergeEnv(imageEnv, overrides map[string]string, port int) []string {
	merged := make(map[string]string, len(imageEnv)+len(overrides)+2)
	for k, v := range imageEnv {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	merged["LISTEN_FDS"] = "1"
	merged["PORT"] = strconv.Itoa(port)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
