package images

import "errors"

var (
	ErrNotFound        = errors.New("image not found")
	ErrBuildInProgress = errors.New("image build already in progress")
	ErrInvalidName     = errors.New("invalid image name")
)
