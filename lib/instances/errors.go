package instances

import "errors"

var (
	ErrNotFound       = errors.New("instance not found")
	ErrAlreadyRunning = errors.New("instance already running")
	ErrNotRunning     = errors.New("instance not running")

	// ErrPortInUse is returned when the declared port cannot be bound.
	ErrPortInUse = errors.New("port already in use")

	// ErrStartupResolution is returned when the image's entry point
	// reference cannot be resolved inside the rootfs. The start fails
	// before any port is bound.
	ErrStartupResolution = errors.New("entrypoint resolution failed")

	// ErrServiceUnavailable is returned when a declared external service
	// stays unreachable for the whole probe window.
	ErrServiceUnavailable = errors.New("external service unreachable")
)
