// Package registry exposes built deployable images over the OCI
// Distribution API so other hosts can pull them. Blob serving is delegated
// to go-containerregistry's registry with the layout blob store behind it;
// manifest requests are answered from the layout directly.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	gcrregistry "github.com/google/go-containerregistry/pkg/registry"

	"github.com/substratehq/bootman/lib/images"
)

// Registry serves the images built by the image manager.
type Registry struct {
	imageManager images.Manager
	blobStore    *BlobStore
	handler      http.Handler
}

// manifestPattern matches GET/HEAD requests to /v2/{name}/manifests/{reference}.
var manifestPattern = regexp.MustCompile(`^/v2/(.+)/manifests/(.+)$`)

// New creates a Registry over the image manager's layout.
func New(imageManager images.Manager) *Registry {
	blobStore := NewBlobStore(imageManager.Layout())
	return &Registry{
		imageManager: imageManager,
		blobStore:    blobStore,
		handler:      gcrregistry.New(gcrregistry.WithBlobHandler(blobStore)),
	}
}

// Handler returns the http.Handler for the /v2/ endpoints. Manifest reads
// are answered from the layout; everything else (ping, blobs) goes to the
// underlying registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			if matches := manifestPattern.FindStringSubmatch(req.URL.Path); matches != nil {
				r.serveManifest(w, req, matches[1], matches[2])
				return
			}
		}
		r.handler.ServeHTTP(w, req)
	})
}

// serveManifest answers a manifest request for either a digest reference or
// a name:tag of a built image.
func (r *Registry) serveManifest(w http.ResponseWriter, req *http.Request, repo, ref string) {
	digestHex, err := r.resolveManifest(req.Context(), repo, ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	data, err := os.ReadFile(r.imageManager.Layout().BlobPath(digestHex))
	if err != nil {
		http.Error(w, "manifest blob missing", http.StatusNotFound)
		return
	}

	mediaType := "application/vnd.oci.image.manifest.v1+json"
	var man struct {
		MediaType string `json:"mediaType"`
	}
	if json.Unmarshal(data, &man) == nil && man.MediaType != "" {
		mediaType = man.MediaType
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Docker-Content-Digest", "sha256:"+digestHex)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

// resolveManifest maps a reference to a manifest digest hex. Digest
// references resolve directly; tags resolve through image metadata by the
// image's registry reference (name:tag).
func (r *Registry) resolveManifest(ctx context.Context, repo, ref string) (string, error) {
	if strings.HasPrefix(ref, "sha256:") {
		return strings.TrimPrefix(ref, "sha256:"), nil
	}

	want := repo + ":" + ref
	imgs, err := r.imageManager.ListImages(ctx)
	if err != nil {
		return "", fmt.Errorf("list images: %w", err)
	}
	for _, img := range imgs {
		if img.Reference == want && img.Status == images.StatusReady {
			return strings.TrimPrefix(img.Digest, "sha256:"), nil
		}
	}
	return "", fmt.Errorf("unknown manifest %s", want)
}
