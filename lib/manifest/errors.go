package manifest

import "errors"

var (
	ErrInvalidManifest   = errors.New("invalid manifest")
	ErrInvalidEntrypoint = errors.New("invalid entrypoint reference")
)
