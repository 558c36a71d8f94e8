package images

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/substratehq/bootman/lib/paths"
)

// writeMetadata writes image metadata atomically using temp file + rename.
func writeMetadata(p *paths.Paths, img *Image) error {
	if err := os.MkdirAll(p.ImageDir(img.ID), 0755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tempPath := p.ImageMetadata(img.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}

	finalPath := p.ImageMetadata(img.ID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads image metadata from disk.
func readMetadata(p *paths.Paths, id string) (*Image, error) {
	data, err := os.ReadFile(p.ImageMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &img, nil
}

// listMetadata lists all image metadata by scanning the images directory.
func listMetadata(p *paths.Paths) ([]*Image, error) {
	entries, err := os.ReadDir(p.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Image{}, nil
		}
		return nil, fmt.Errorf("read images directory: %w", err)
	}

	var imgs []*Image
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		img, err := readMetadata(p, entry.Name())
		if err != nil {
			// Skip invalid entries rather than failing the whole listing.
			continue
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

// deleteMetadata removes the image metadata directory.
func deleteMetadata(p *paths.Paths, id string) error {
	dir := p.ImageDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat image directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove image directory: %w", err)
	}
	return nil
}
