package instances

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/substratehq/bootman/lib/paths"
)

// writeMetadata writes instance metadata atomically using temp file + rename.
func writeMetadata(p *paths.Paths, inst *Instance) error {
	if err := os.MkdirAll(p.InstanceDir(inst.ID), 0755); err != nil {
		return fmt.Errorf("create instance directory: %w", err)
	}

	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tempPath := p.InstanceMetadata(inst.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}

	finalPath := p.InstanceMetadata(inst.ID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads instance metadata from disk.
func readMetadata(p *paths.Paths, id string) (*Instance, error) {
	data, err := os.ReadFile(p.InstanceMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &inst, nil
}

// listMetadata lists all instance metadata by scanning the instances directory.
func listMetadata(p *paths.Paths) ([]*Instance, error) {
	entries, err := os.ReadDir(p.InstancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Instance{}, nil
		}
		return nil, fmt.Errorf("read instances directory: %w", err)
	}

	var insts []*Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		inst, err := readMetadata(p, entry.Name())
		if err != nil {
			continue
		}
		insts = append(insts, inst)
	}
	return insts, nil
}

// deleteMetadata removes the instance state directory.
func deleteMetadata(p *paths.Paths, id string) error {
	dir := p.InstanceDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat instance directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove instance directory: %w", err)
	}
	return nil
}
