package index

import "errors"

var (
	// ErrDependencyResolution is returned when the dependency manifest
	// cannot be satisfied against the configured package index. The build
	// aborts and no partial image is produced.
	ErrDependencyResolution = errors.New("dependency resolution failed")

	// ErrPackageNotFound is returned when the index has no entry for a
	// package name.
	ErrPackageNotFound = errors.New("package not found in index")

	// ErrDigestMismatch is returned when a fetched artifact does not match
	// its declared sha256.
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)
