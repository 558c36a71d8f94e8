package index

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/substratehq/bootman/lib/manifest"
)

// PackageSource abstracts where package metadata comes from. Client
// implements it against the HTTP index; tests substitute an in-memory map.
type PackageSource interface {
	GetPackage(ctx context.Context, name string) (*Package, error)
}

// Source is a PackageSource that can also deliver artifact bytes.
type Source interface {
	PackageSource
	FetchArtifact(ctx context.Context, v Version, w io.Writer) (int64, error)
}

// LockedPackage is one fully resolved dependency.
type LockedPackage struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	URL       string `json:"url"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Lock is the deterministic result of resolving a dependency manifest:
// the resolved (name, version, digest) set, sorted by package name. It is
// embedded into the built image so rebuilds can be compared.
type Lock struct {
	Packages []LockedPackage `json:"packages"`
}

// Resolver resolves dependency manifests against a package source.
type Resolver struct {
	source PackageSource
}

// NewResolver creates a Resolver backed by source.
func NewResolver(source PackageSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve picks, for every manifest entry, the highest published version
// satisfying its constraint. Any unknown package, invalid constraint, or
// unsatisfiable constraint fails the whole resolution with
// ErrDependencyResolution; there are no partial results.
func (r *Resolver) Resolve(ctx context.Context, deps []manifest.Dependency) (*Lock, error) {
	lock := &Lock{Packages: make([]LockedPackage, 0, len(deps))}

	for _, dep := range deps {
		constraint, err := semver.NewConstraint(dep.Constraint)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid constraint %q for %s: %v",
				ErrDependencyResolution, dep.Constraint, dep.Name, err)
		}

		pkg, err := r.source.GetPackage(ctx, dep.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDependencyResolution, err)
		}

		best, ok := highestSatisfying(pkg.Versions, constraint)
		if !ok {
			return nil, fmt.Errorf("%w: no version of %s satisfies %q (have %d versions)",
				ErrDependencyResolution, dep.Name, dep.Constraint, len(pkg.Versions))
		}

		lock.Packages = append(lock.Packages, LockedPackage{
			Name:      dep.Name,
			Version:   best.Version,
			URL:       best.URL,
			SHA256:    best.SHA256,
			SizeBytes: best.SizeBytes,
		})
	}

	sort.Slice(lock.Packages, func(i, j int) bool {
		return lock.Packages[i].Name < lock.Packages[j].Name
	})
	return lock, nil
}

// highestSatisfying returns the highest semver version matching the
// constraint. Versions that do not parse as semver are skipped.
func highestSatisfying(versions []Version, c *semver.Constraints) (Version, bool) {
	var best Version
	var bestParsed *semver.Version

	for _, v := range versions {
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if !c.Check(parsed) {
			continue
		}
		if bestParsed == nil || parsed.GreaterThan(bestParsed) {
			best = v
			bestParsed = parsed
		}
	}
	return best, bestParsed != nil
}
