package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"

	"github.com/substratehq/bootman/lib/paths"
)

// Layout manages the shared OCI image layout under the data directory. All
// built images live in one layout with a common blob store; each image is
// addressed by a ref-name annotation carrying its manifest digest hex, which
// is the form umoci resolves when unpacking.
type Layout struct {
	paths *paths.Paths
	mu    sync.Mutex
}

// NewLayout creates (if needed) and opens the shared layout.
func NewLayout(p *paths.Paths) (*Layout, error) {
	l := &Layout{paths: p}
	if err := l.ensure(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) ensure() error {
	if err := os.MkdirAll(l.paths.LayoutBlobDir(), 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if _, err := os.Stat(l.paths.LayoutFile()); os.IsNotExist(err) {
		marker := fmt.Sprintf("{\"imageLayoutVersion\": %q}", v1.ImageLayoutVersion)
		if err := os.WriteFile(l.paths.LayoutFile(), []byte(marker), 0644); err != nil {
			return fmt.Errorf("write oci-layout: %w", err)
		}
	}
	if _, err := os.Stat(l.paths.LayoutIndex()); os.IsNotExist(err) {
		empty := v1.Index{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: v1.MediaTypeImageIndex,
			Manifests: []v1.Descriptor{},
		}
		if err := l.writeIndex(&empty); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlob stores data in the blob store and returns its digest. Writing
// is tmp+rename so a crash never leaves a truncated blob under its digest.
func (l *Layout) WriteBlob(data []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(data)
	final := l.paths.LayoutBlob(dgst.Encoded())
	if _, err := os.Stat(final); err == nil {
		return dgst, nil // blobs are content-addressed, already present
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return dgst, nil
}

// BlobPath returns the on-disk path of a blob by digest hex.
func (l *Layout) BlobPath(digestHex string) string {
	return l.paths.LayoutBlob(digestHex)
}

// PutImage assembles and stores a complete image: layer blobs, config blob,
// manifest blob, and an index entry annotated with the manifest digest hex
// as its ref name. Returns the manifest digest and the total layer size.
// Nothing is visible in the index until every blob is durably written, so a
// failed build never leaves a partial image.
func (l *Layout) PutImage(cfg v1.Image, layers []*layerBlob) (digest.Digest, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var totalSize int64
	layerDescs := make([]v1.Descriptor, 0, len(layers))
	for _, lb := range layers {
		if _, err := l.WriteBlob(lb.Compressed); err != nil {
			return "", 0, err
		}
		layerDescs = append(layerDescs, v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    lb.Digest,
			Size:      int64(len(lb.Compressed)),
		})
		totalSize += int64(len(lb.Compressed))
	}

	configBytes, err := json.Marshal(cfg)
	if err != nil {
		return "", 0, fmt.Errorf("marshal config: %w", err)
	}
	configDigest, err := l.WriteBlob(configBytes)
	if err != nil {
		return "", 0, err
	}

	man := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
		Layers: layerDescs,
	}
	manifestBytes, err := json.Marshal(man)
	if err != nil {
		return "", 0, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDigest, err := l.WriteBlob(manifestBytes)
	if err != nil {
		return "", 0, err
	}

	index, err := l.readIndex()
	if err != nil {
		return "", 0, err
	}

	refName := manifestDigest.Encoded()
	found := false
	for i, m := range index.Manifests {
		if m.Digest == manifestDigest {
			if index.Manifests[i].Annotations == nil {
				index.Manifests[i].Annotations = map[string]string{}
			}
			index.Manifests[i].Annotations[v1.AnnotationRefName] = refName
			found = true
			break
		}
	}
	if !found {
		index.Manifests = append(index.Manifests, v1.Descriptor{
			MediaType: v1.MediaTypeImageManifest,
			Digest:    manifestDigest,
			Size:      int64(len(manifestBytes)),
			Annotations: map[string]string{
				v1.AnnotationRefName: refName,
			},
		})
	}
	if err := l.writeIndex(index); err != nil {
		return "", 0, err
	}

	return manifestDigest, totalSize, nil
}

// RemoveImage drops the index entry for a manifest digest and removes the
// manifest and config blobs. Layer blobs are left in place: they are shared
// content-addressed storage and may back other images.
func (l *Layout) RemoveImage(manifestDigest digest.Digest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, err := l.readIndex()
	if err != nil {
		return err
	}

	kept := index.Manifests[:0]
	for _, m := range index.Manifests {
		if m.Digest != manifestDigest {
			kept = append(kept, m)
		}
	}
	index.Manifests = kept
	if err := l.writeIndex(index); err != nil {
		return err
	}

	manifestPath := l.paths.LayoutBlob(manifestDigest.Encoded())
	if data, err := os.ReadFile(manifestPath); err == nil {
		var man v1.Manifest
		if json.Unmarshal(data, &man) == nil {
			os.Remove(l.paths.LayoutBlob(man.Config.Digest.Encoded()))
		}
	}
	os.Remove(manifestPath)
	return nil
}

func (l *Layout) readIndex() (*v1.Index, error) {
	data, err := os.ReadFile(l.paths.LayoutIndex())
	if err != nil {
		return nil, fmt.Errorf("read index.json: %w", err)
	}
	var index v1.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index.json: %w", err)
	}
	return &index, nil
}

func (l *Layout) writeIndex(index *v1.Index) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index.json: %w", err)
	}
	tmp := l.paths.LayoutIndex() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index.json: %w", err)
	}
	if err := os.Rename(tmp, l.paths.LayoutIndex()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index.json: %w", err)
	}
	return nil
}

// newImageConfig builds the OCI config for a deployable image. The creation
// timestamp is deliberately omitted: identical inputs must produce an
// identical config blob.
func newImageConfig(env []string, entrypoint []string, workDir string, port int, labels map[string]string, diffIDs []digest.Digest) v1.Image {
	return v1.Image{
		Platform: v1.Platform{
			Architecture: runtime.GOARCH,
			OS:           runtime.GOOS,
		},
		Config: v1.ImageConfig{
			Env:        env,
			Entrypoint: entrypoint,
			WorkingDir: workDir,
			ExposedPorts: map[string]struct{}{
				fmt.Sprintf("%d/tcp", port): {},
			},
			Labels: labels,
		},
		RootFS: v1.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
	}
}

// UnpackRootfs extracts the image identified by digestHex from the layout
// into targetDir using umoci's layer unpacker. Container root is identity
// mapped onto the current user so this works without privileges.
func (l *Layout) UnpackRootfs(ctx context.Context, digestHex, targetDir string) error {
	casEngine, err := dir.Open(l.paths.LayoutDir())
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(ctx, digestHex)
	if err != nil {
		return fmt.Errorf("resolve reference: %w", err)
	}
	if len(descriptorPaths) == 0 {
		return fmt.Errorf("%w: digest %s not in layout", ErrNotFound, digestHex)
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}
	man, ok := manifestBlob.Data.(v1.Manifest)
	if !ok {
		return fmt.Errorf("manifest data is not v1.Manifest (got %T)", manifestBlob.Data)
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	unpackOpts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, targetDir, man, unpackOpts); err != nil {
		return fmt.Errorf("unpack rootfs: %w", err)
	}
	return nil
}

// ReadImageConfig loads the v1.Image config for a manifest digest hex.
func (l *Layout) ReadImageConfig(digestHex string) (*v1.Image, error) {
	manifestPath := l.paths.LayoutBlob(digestHex)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read manifest blob: %w", err)
	}
	var man v1.Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	cfgData, err := os.ReadFile(l.paths.LayoutBlob(man.Config.Digest.Encoded()))
	if err != nil {
		return nil, fmt.Errorf("read config blob: %w", err)
	}
	var cfg v1.Image
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// digestHexFrom strips the algorithm prefix from a digest string.
func digestHexFrom(d string) string {
	parts := strings.SplitN(d, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return d
}
