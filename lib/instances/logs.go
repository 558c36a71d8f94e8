package instances

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/substratehq/bootman/lib/logger"
)

func (m *manager) GetInstanceLogs(ctx context.Context, id string, tail int) (string, error) {
	if _, err := readMetadata(m.paths, id); err != nil {
		return "", err
	}

	data, err := os.ReadFile(m.paths.InstanceLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log file: %w", err)
	}

	if tail <= 0 {
		return string(data), nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// FollowInstanceLogs streams log lines: the last tail lines first, then new
// lines as they are written, until ctx is cancelled.
func (m *manager) FollowInstanceLogs(ctx context.Context, id string, tail int) (<-chan string, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "starting log stream", "instance", id, "tail", tail)

	if _, err := readMetadata(m.paths, id); err != nil {
		return nil, err
	}

	logPath := m.paths.InstanceLog(id)
	args := []string{"-n", strconv.Itoa(tail), "-F", logPath}
	cmd := exec.CommandContext(ctx, "tail", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tail: %w", err)
	}

	out := make(chan string, 100)
	go func() {
		defer close(out)
		defer cmd.Process.Kill()

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				log.DebugContext(ctx, "log stream cancelled", "instance", id)
				return
			case out <- scanner.Text():
			}
		}
		if err := scanner.Err(); err != nil {
			log.ErrorContext(ctx, "scanner error", "instance", id, "error", err)
		}
		cmd.Wait()
	}()

	return out, nil
}
