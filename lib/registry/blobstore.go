package registry

import (
	"context"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/substratehq/bootman/lib/images"
)

// BlobStore adapts the shared OCI layout's content-addressed blob directory
// to go-containerregistry's blob handler interface. Repo names are ignored:
// blobs are shared across every image in the layout.
type BlobStore struct {
	layout *images.Layout
}

// NewBlobStore creates a BlobStore over the layout.
func NewBlobStore(layout *images.Layout) *BlobStore {
	return &BlobStore{layout: layout}
}

// Get opens a blob by digest.
func (s *BlobStore) Get(ctx context.Context, repo string, h v1.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.layout.BlobPath(h.Hex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", h.String(), os.ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}
