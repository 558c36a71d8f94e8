package instances

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/bootman/lib/manifest"
)

func writeRootfsFile(t *testing.T, rootfs, rel, content string) {
	t.Helper()
	p := filepath.Join(rootfs, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func mustEntrypoint(t *testing.T, s string) *manifest.Entrypoint {
	t.Helper()
	ep, err := manifest.ParseEntrypoint(s)
	require.NoError(t, err)
	return ep
}

func TestResolveEntrypointInSourceTree(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsFile(t, rootfs, "app/src/knowledge/api.py", "server = build_server()\n")

	path, err := resolveEntrypoint(rootfs, "/app", mustEntrypoint(t, "knowledge.api:server"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rootfs, "app/src/knowledge/api.py"), path)
}

func TestResolveEntrypointPackageInit(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsFile(t, rootfs, "app/src/knowledge/__init__.py", "server = build_server()\n")

	_, err := resolveEntrypoint(rootfs, "/app", mustEntrypoint(t, "knowledge:server"))
	require.NoError(t, err)
}

func TestResolveEntrypointFallsBackToWorkDir(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsFile(t, rootfs, "app/main.py", "def server():\n    pass\n")

	_, err := resolveEntrypoint(rootfs, "/app", mustEntrypoint(t, "main:server"))
	require.NoError(t, err)
}

func TestResolveEntrypointModuleMissing(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsFile(t, rootfs, "app/src/other.py", "server = 1\n")

	_, err := resolveEntrypoint(rootfs, "/app", mustEntrypoint(t, "knowledge.api:server"))
	require.ErrorIs(t, err, ErrStartupResolution)
}

func TestResolveEntrypointAttributeMissing(t *testing.T) {
	rootfs := t.TempDir()
	writeRootfsFile(t, rootfs, "app/src/knowledge/api.py", "routes = []\n")

	_, err := resolveEntrypoint(rootfs, "/app", mustEntrypoint(t, "knowledge.api:server"))
	require.ErrorIs(t, err, ErrStartupResolution)
}

func TestAttributeDefined(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{"assignment", "server = build()\n", true},
		{"compact assignment", "server=build()\n", true},
		{"annotated", "server: App = build()\n", true},
		{"function", "def server():\n    pass\n", true},
		{"async function", "async def server():\n    pass\n", true},
		{"class", "class server:\n    pass\n", true},
		{"indented only", "    server = build()\n", false},
		{"different name", "servers = []\n", false},
		{"absent", "x = 1\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "mod.py")
			require.NoError(t, os.WriteFile(p, []byte(tc.content), 0o644))
			assert.Equal(t, tc.want, attributeDefined(p, "server"))
		})
	}
}
