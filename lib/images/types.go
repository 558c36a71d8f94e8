package images

import (
	"time"

	"github.com/substratehq/bootman/lib/index"
)

// Status is the lifecycle state of an image build.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolving Status = "resolving"
	StatusFetching  Status = "fetching"
	StatusPacking   Status = "packing"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// Image is a deployable image: an immutable filesystem snapshot containing
// resolved dependencies and the copied source tree, plus the start contract
// (entrypoint, port, env) baked in at build time.
type Image struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Reference     string            `json:"reference"` // name:version, registry-servable
	Digest        string            `json:"digest,omitempty"`
	Status        Status            `json:"status"`
	QueuePosition *int              `json:"queue_position,omitempty"`
	Error         *string           `json:"error,omitempty"`
	SizeBytes     int64             `json:"size_bytes,omitempty"`
	Entrypoint    string            `json:"entrypoint"`
	Server        string            `json:"server"`
	Port          int               `json:"port"`
	WorkDir       string            `json:"workdir"`
	Env           map[string]string `json:"env,omitempty"`
	Services      []ServiceRef      `json:"services,omitempty"`
	Lock          *index.Lock       `json:"lock,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ServiceRef names an external collaborator recorded in the image.
type ServiceRef struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// CreateImageRequest carries the build inputs: a gzipped tarball of the
// build root (project file, dependency manifest, source tree).
type CreateImageRequest struct {
	SourceArchive []byte
}
