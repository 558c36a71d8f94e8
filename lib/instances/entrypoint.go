package instances

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/substratehq/bootman/lib/manifest"
)

// resolveEntrypoint locates the module file an entry point reference names
// inside the unpacked rootfs and verifies the attribute is defined in it.
// The module path is searched under <workDir>/src first (source layout),
// then under <workDir> directly. Failure is the fail-fast
// ErrStartupResolution: the process must not start and no port is bound.
func resolveEntrypoint(rootfs, workDir string, ep *manifest.Entrypoint) (string, error) {
	roots := []string{
		path.Join(workDir, "src"),
		workDir,
	}

	var tried []string
	for _, root := range roots {
		base := path.Join(root, ep.ModulePath())
		candidates := []string{
			base + ".py",
			path.Join(base, "__init__.py"),
			base,
		}
		for _, cand := range candidates {
			full, err := securejoin.SecureJoin(rootfs, cand)
			if err != nil {
				continue
			}
			info, err := os.Stat(full)
			if err != nil || info.IsDir() {
				tried = append(tried, cand)
				continue
			}
			if !attributeDefined(full, ep.Attribute) {
				return "", fmt.Errorf("%w: module %s has no attribute %q (checked %s)",
					ErrStartupResolution, ep.Module, ep.Attribute, cand)
			}
			return full, nil
		}
	}

	return "", fmt.Errorf("%w: module %s not found (tried %s)",
		ErrStartupResolution, ep.Module, strings.Join(tried, ", "))
}

// attributeDefined scans a module file for a top-level definition of attr:
// an unindented assignment, annotation, def or class. This is a fail-fast
// check, not an interpreter; it rejects the obvious misconfigurations
// before a port gets bound.
func attributeDefined(path, attr string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	prefixes := []string{
		attr + " ",
		attr + "=",
		attr + ":",
		"def " + attr,
		"class " + attr,
		"async def " + attr,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(line, p) || line == attr {
				return true
			}
		}
	}
	return false
}
