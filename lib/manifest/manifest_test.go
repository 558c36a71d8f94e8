package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ProjectFile, `
name: knowledge
version: 1.2.0
entrypoint: knowledge.api:server
port: 8000
env:
  LOG_FORMAT: json
services:
  - name: graph
    address: graph.internal:7687
`)

	p, err := LoadProject(filepath.Join(dir, ProjectFile))
	require.NoError(t, err)
	assert.Equal(t, "knowledge", p.Name)
	assert.Equal(t, "1.2.0", p.Version)
	assert.Equal(t, "knowledge.api:server", p.Entrypoint)
	assert.Equal(t, 8000, p.Port)
	assert.Equal(t, "json", p.Env["LOG_FORMAT"])
	require.Len(t, p.Services, 1)
	assert.Equal(t, "graph.internal:7687", p.Services[0].Address)
}

func TestLoadProjectDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ProjectFile, `
name: minimal
version: 0.1.0
entrypoint: app:server
`)

	p, err := LoadProject(filepath.Join(dir, ProjectFile))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, p.Port)
	assert.Equal(t, DefaultWorkDir, p.WorkDir)
	assert.Equal(t, "appserve", p.Server)
}

func TestLoadProjectInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", "version: 1.0.0\nentrypoint: app:server\n"},
		{"missing version", "name: x\nentrypoint: app:server\n"},
		{"missing entrypoint", "name: x\nversion: 1.0.0\n"},
		{"bad entrypoint", "name: x\nversion: 1.0.0\nentrypoint: app\n"},
		{"port out of range", "name: x\nversion: 1.0.0\nentrypoint: app:server\nport: 70000\n"},
		{"relative workdir", "name: x\nversion: 1.0.0\nentrypoint: app:server\nworkdir: srv\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, ProjectFile, tc.content)
			_, err := LoadProject(filepath.Join(dir, ProjectFile))
			require.Error(t, err)
		})
	}
}

func TestLoadDependencies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, DependenciesFile, `
dependencies:
  - name: webframe
    constraint: "^2.1.0"
  - name: graphdriver
    constraint: ">=5.0.0 <6.0.0"
`)

	deps, err := LoadDependencies(filepath.Join(dir, DependenciesFile))
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "webframe", deps[0].Name)
	assert.Equal(t, "^2.1.0", deps[0].Constraint)
}

func TestLoadDependenciesMissingFileIsEmpty(t *testing.T) {
	deps, err := LoadDependencies(filepath.Join(t.TempDir(), DependenciesFile))
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestLoadDependenciesDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, DependenciesFile, `
dependencies:
  - name: webframe
    constraint: "^2.0.0"
  - name: webframe
    constraint: "^2.1.0"
`)

	_, err := LoadDependencies(filepath.Join(dir, DependenciesFile))
	require.ErrorIs(t, err, ErrInvalidManifest)
}

func TestParseEntrypoint(t *testing.T) {
	ep, err := ParseEntrypoint("knowledge.api:server")
	require.NoError(t, err)
	assert.Equal(t, "knowledge.api", ep.Module)
	assert.Equal(t, "server", ep.Attribute)
	assert.Equal(t, "knowledge/api", ep.ModulePath())
	assert.Equal(t, "knowledge.api:server", ep.String())
}

func TestParseEntrypointInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"noattribute",
		":server",
		"module:",
		"Bad.Module:server",
		"mod..ule:server",
		"module:bad-attr",
	} {
		_, err := ParseEntrypoint(s)
		require.ErrorIs(t, err, ErrInvalidEntrypoint, "input %q", s)
	}
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on", " 1 "} {
		assert.True(t, IsTruthy(v), "value %q", v)
	}
	for _, v := range []string{"", "0", "false", "off", "no", "2"} {
		assert.False(t, IsTruthy(v), "value %q", v)
	}
}
