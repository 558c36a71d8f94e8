// Package manifest loads and validates the two build-time input files of a
// project: the project description (bootman.yaml) and the dependency
// manifest (dependencies.yaml). Both live at fixed paths relative to the
// build root.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ghodss/yaml"
)

const (
	// ProjectFile is the project description file, relative to the build root.
	ProjectFile = "bootman.yaml"
	// DependenciesFile is the dependency manifest, relative to the build root.
	DependenciesFile = "dependencies.yaml"

	// DefaultPort is the port the started process binds when the project
	// does not declare one.
	DefaultPort = 8000
	// DefaultWorkDir is the working directory inside the image.
	DefaultWorkDir = "/app"
	// DefaultBindHost is the address the launcher binds the listener on.
	DefaultBindHost = "0.0.0.0"
)

// Launcher flag environment variables. Both are interpreted by truthiness,
// so setting them once or repeatedly has the same effect.
const (
	// EnvNoCache disables the unpacked rootfs cache. Startup gets slower,
	// nothing is kept on disk between runs.
	EnvNoCache = "BOOTMAN_NO_CACHE"
	// EnvUnbuffered forces line-flushed child output so log lines become
	// visible immediately instead of batched.
	EnvUnbuffered = "BOOTMAN_UNBUFFERED"
)

// Project is the parsed project description.
type Project struct {
	// Name identifies the project. Required.
	Name string `json:"name"`
	// Version is the project version (semver). Required.
	Version string `json:"version"`
	// Entrypoint references the server-capable object to serve, in the
	// form "<module-path>:<attribute>", e.g. "knowledge.api:server".
	Entrypoint string `json:"entrypoint"`
	// Server is the server binary used to serve the entrypoint.
	Server string `json:"server"`
	// Port is the TCP port the started process binds. Defaults to 8000.
	Port int `json:"port,omitempty"`
	// WorkDir is the working directory inside the image. Defaults to /app.
	WorkDir string `json:"workdir,omitempty"`
	// Env is baked into the image and passed to the started process.
	Env map[string]string `json:"env,omitempty"`
	// Services are external collaborators (graph store, vector store, ...)
	// the launcher probes for reachability before starting the process.
	// Their protocols are opaque to bootman.
	Services []Service `json:"services,omitempty"`
}

// Service names an external collaborator by its TCP address.
type Service struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Dependency is one entry of the dependency manifest.
type Dependency struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint"`
}

// Entrypoint is a parsed "<module-path>:<attribute>" reference.
type Entrypoint struct {
	Module    string // dotted module path, e.g. "knowledge.api"
	Attribute string // exported attribute, e.g. "server"
}

var (
	modulePattern    = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)*$`)
	attributePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ParseEntrypoint validates and splits an entrypoint reference.
func ParseEntrypoint(s string) (*Entrypoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: %q (want \"module.path:attribute\")", ErrInvalidEntrypoint, s)
	}
	if !modulePattern.MatchString(parts[0]) {
		return nil, fmt.Errorf("%w: invalid module path %q", ErrInvalidEntrypoint, parts[0])
	}
	if !attributePattern.MatchString(parts[1]) {
		return nil, fmt.Errorf("%w: invalid attribute %q", ErrInvalidEntrypoint, parts[1])
	}
	return &Entrypoint{Module: parts[0], Attribute: parts[1]}, nil
}

// ModulePath returns the module as a relative filesystem path, without
// extension, e.g. "knowledge.api" -> "knowledge/api".
func (e *Entrypoint) ModulePath() string {
	return strings.ReplaceAll(e.Module, ".", "/")
}

// String returns the canonical "<module>:<attribute>" form.
func (e *Entrypoint) String() string {
	return e.Module + ":" + e.Attribute
}

// Load reads and validates the project description and dependency manifest
// from their fixed paths under root.
func Load(root string) (*Project, []Dependency, error) {
	project, err := LoadProject(filepath.Join(root, ProjectFile))
	if err != nil {
		return nil, nil, err
	}
	deps, err := LoadDependencies(filepath.Join(root, DependenciesFile))
	if err != nil {
		return nil, nil, err
	}
	return project, deps, nil
}

// LoadProject reads and validates a project description file.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse project file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.applyDefaults()
	return &p, nil
}

// LoadDependencies reads and validates a dependency manifest file. A missing
// file is treated as an empty manifest.
func LoadDependencies(path string) ([]Dependency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dependency manifest: %w", err)
	}
	var m struct {
		Dependencies []Dependency `json:"dependencies"`
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse dependency manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for _, d := range m.Dependencies {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: dependency with empty name", ErrInvalidManifest)
		}
		if d.Constraint == "" {
			return nil, fmt.Errorf("%w: dependency %q has no version constraint", ErrInvalidManifest, d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate dependency %q", ErrInvalidManifest, d.Name)
		}
		seen[d.Name] = true
	}
	return m.Dependencies, nil
}

// Validate checks required fields and value ranges.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidManifest)
	}
	if p.Entrypoint == "" {
		return fmt.Errorf("%w: entrypoint is required", ErrInvalidManifest)
	}
	if _, err := ParseEntrypoint(p.Entrypoint); err != nil {
		return err
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidManifest, p.Port)
	}
	if p.WorkDir != "" && !filepath.IsAbs(p.WorkDir) {
		return fmt.Errorf("%w: workdir must be absolute, got %q", ErrInvalidManifest, p.WorkDir)
	}
	for _, s := range p.Services {
		if s.Name == "" || s.Address == "" {
			return fmt.Errorf("%w: service entries need name and address", ErrInvalidManifest)
		}
	}
	return nil
}

func (p *Project) applyDefaults() {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.WorkDir == "" {
		p.WorkDir = DefaultWorkDir
	}
	if p.Server == "" {
		p.Server = "appserve"
	}
}

// IsTruthy reports whether an environment flag value counts as set. The
// check is idempotent over repeated assignment: only the final value matters.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
