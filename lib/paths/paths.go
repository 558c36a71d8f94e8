// Package paths centralizes the on-disk layout under the data directory.
// Every component derives its file locations from a single Paths value so
// the layout is documented in one place.
package paths

import "path/filepath"

// Paths resolves well-known locations under the bootman data directory.
//
// Layout:
//
//	<dataDir>/
//	  layout/              shared OCI image layout (blobs/sha256, index.json)
//	  images/<id>/         per-image metadata
//	  instances/<id>/      per-instance metadata and logs
//	  rootfs/<digest>/     unpacked rootfs cache keyed by image digest
type Paths struct {
	dataDir string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// LayoutDir returns the shared OCI layout root.
func (p *Paths) LayoutDir() string {
	return filepath.Join(p.dataDir, "layout")
}

// LayoutBlobDir returns the sha256 blob directory of the shared layout.
func (p *Paths) LayoutBlobDir() string {
	return filepath.Join(p.LayoutDir(), "blobs", "sha256")
}

// LayoutBlob returns the path of a blob by its digest hex.
func (p *Paths) LayoutBlob(digestHex string) string {
	return filepath.Join(p.LayoutBlobDir(), digestHex)
}

// LayoutIndex returns the path of the layout's index.json.
func (p *Paths) LayoutIndex() string {
	return filepath.Join(p.LayoutDir(), "index.json")
}

// LayoutFile returns the path of the oci-layout marker file.
func (p *Paths) LayoutFile() string {
	return filepath.Join(p.LayoutDir(), "oci-layout")
}

// ImagesDir returns the directory holding per-image metadata.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.dataDir, "images")
}

// ImageDir returns the metadata directory for one image.
func (p *Paths) ImageDir(id string) string {
	return filepath.Join(p.ImagesDir(), id)
}

// ImageMetadata returns the metadata file for one image.
func (p *Paths) ImageMetadata(id string) string {
	return filepath.Join(p.ImageDir(id), "metadata.json")
}

// InstancesDir returns the directory holding per-instance state.
func (p *Paths) InstancesDir() string {
	return filepath.Join(p.dataDir, "instances")
}

// InstanceDir returns the state directory for one instance.
func (p *Paths) InstanceDir(id string) string {
	return filepath.Join(p.InstancesDir(), id)
}

// InstanceMetadata returns the metadata file for one instance.
func (p *Paths) InstanceMetadata(id string) string {
	return filepath.Join(p.InstanceDir(id), "metadata.json")
}

// InstanceLog returns the combined stdout/stderr log file for one instance.
func (p *Paths) InstanceLog(id string) string {
	return filepath.Join(p.InstanceDir(id), "console.log")
}

// RootfsCacheDir returns the rootfs cache root.
func (p *Paths) RootfsCacheDir() string {
	return filepath.Join(p.dataDir, "rootfs")
}

// RootfsDir returns the unpacked rootfs directory for an image digest hex.
func (p *Paths) RootfsDir(digestHex string) string {
	return filepath.Join(p.RootfsCacheDir(), digestHex)
}
