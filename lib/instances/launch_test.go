package instances

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeEnv(t *testing.T) {
	env := mergeEnv(
		map[string]string{"A": "image", "B": "image"},
		map[string]string{"B": "override", "C": "request"},
		8000,
	)
	assert.Equal(t, []string{
		"A=image",
		"B=override",
		"C=request",
		"LISTEN_FDS=1",
		"PORT=8000",
	}, env)
}

func TestMergedFlagsTruthyIdempotent(t *testing.T) {
	// Different truthy spellings and repeated assignment all collapse to
	// the same flag state.
	for _, v := range []string{"1", "true", "yes", "on"} {
		f := mergedFlags(map[string]string{"BOOTMAN_NO_CACHE": v}, nil)
		assert.True(t, f.noCache, "value %q", v)
		assert.False(t, f.unbuffered)
	}

	f := mergedFlags(
		map[string]string{"BOOTMAN_UNBUFFERED": "0"},
		map[string]string{"BOOTMAN_UNBUFFERED": "true"},
	)
	assert.True(t, f.unbuffered)

	f = mergedFlags(
		map[string]string{"BOOTMAN_NO_CACHE": "true"},
		map[string]string{"BOOTMAN_NO_CACHE": "false"},
	)
	assert.False(t, f.noCache)
}

func TestBindListenerPortInUse(t *testing.T) {
	ln, file, err := bindListener("127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()
	defer file.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	_, _, err = bindListener("127.0.0.1", port)
	require.ErrorIs(t, err, ErrPortInUse)
}

func TestFindServerBinaryInDeps(t *testing.T) {
	rootfs := t.TempDir()
	bin := filepath.Join(rootfs, "app/deps/webframe/bin/appserve")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	got, err := findServerBinary(rootfs, "/app", "appserve")
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}

func TestFindServerBinaryHostFallback(t *testing.T) {
	got, err := findServerBinary(t.TempDir(), "/app", "sh")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestFindServerBinaryMissing(t *testing.T) {
	_, err := findServerBinary(t.TempDir(), "/app", "no-such-server-binary")
	require.ErrorIs(t, err, ErrStartupResolution)
}

func TestFindServerBinaryRelativePathConfined(t *testing.T) {
	rootfs := t.TempDir()
	_, err := findServerBinary(rootfs, "/app", "../../bin/sh")
	require.ErrorIs(t, err, ErrStartupResolution)
}
