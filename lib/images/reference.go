package images

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

// ImageReference validates that a project name and version form a reference
// the registry can serve (e.g. "knowledge-api:1.2.0"). The distribution
// grammar is authoritative: lowercase repository names, valid tag characters.
func ImageReference(name, version string) (string, error) {
	ref := name + ":" + tagFromVersion(version)
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if _, ok := named.(reference.Tagged); !ok {
		return "", fmt.Errorf("%w: %q has no valid tag", ErrInvalidName, ref)
	}
	return ref, nil
}

// tagFromVersion maps a version string onto the tag grammar. "+" is the only
// semver character tags reject; it becomes "_".
func tagFromVersion(version string) string {
	return strings.ReplaceAll(version, "+", "_")
}

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// imageID derives a stable image ID from a project name and version.
// Example: ("knowledge-api", "1.2.0") -> "img-knowledge-api-1-2-0".
func imageID(name, version string) string {
	sanitized := idSanitizer.ReplaceAllString(name+"-"+version, "-")
	sanitized = strings.Trim(sanitized, "-")
	return "img-" + strings.ToLower(sanitized)
}
