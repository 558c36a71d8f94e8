package instances

import "time"

// State is the lifecycle state of an instance.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Instance is one started process from a deployable image. The instance
// exclusively holds its TCP port from successful start until termination:
// the launcher binds the listener itself and hands the socket to the child.
type Instance struct {
	ID         string    `json:"id"`
	ImageID    string    `json:"image_id"`
	Digest     string    `json:"digest"`
	Port       int       `json:"port"`
	State      State     `json:"state"`
	Pid        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      *string   `json:"error,omitempty"`
	Unbuffered bool      `json:"unbuffered"`
	NoCache    bool      `json:"no_cache"`
	CreatedAt  time.Time `json:"created_at"`
}

// StartRequest asks for a new instance of a built image.
type StartRequest struct {
	ImageID string
	// Port overrides the image's declared port when non-nil.
	Port *int
	// Env entries override or extend the image env. The launcher flags
	// (BOOTMAN_NO_CACHE, BOOTMAN_UNBUFFERED) are read from the merged env.
	Env map[string]string
	// SkipProbes starts without waiting for declared external services.
	SkipProbes bool
}
