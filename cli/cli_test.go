package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/interpose/container"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "disabled"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeArchive(t *testing.T, dir string, names ...string) string {
	t.Helper()
	m := &container.Module{}
	for _, name := range names {
		m.Pairs = append(m.Pairs, container.Pair{
			Name:    container.Tag{Type: 1, Content: []byte(name)},
			Content: container.Tag{Type: 2, Content: []byte("body")},
		})
	}
	plain, err := m.Bytes()
	require.NoError(t, err)
	raw, err := container.Compress(plain)
	require.NoError(t, err)

	path := filepath.Join(dir, "bridge_observables.zst")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestArchiveInspect(t *testing.T) {
	path := writeArchive(t, t.TempDir(), "app/main.js", "app/src/utils/converter.js")

	out, err := run(t, "archive", "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 files")
	assert.Contains(t, out, "app/src/utils/converter.js")
}

func TestArchiveInject(t *testing.T) {
	dir := t.TempDir()
	in := writeArchive(t, dir, "app/src/utils/converter.js")
	shim := filepath.Join(dir, "shim.js")
	require.NoError(t, os.WriteFile(shim, []byte("globalThis.x=1"), 0o600))
	outPath := filepath.Join(dir, "out.zst")

	out, err := run(t, "archive", "inject", in, outPath, "--shim", shim)
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(out))

	listing, err := run(t, "archive", "inspect", outPath)
	require.NoError(t, err)
	assert.Contains(t, listing, "2 files")
	assert.Contains(t, listing, "128/128")
}

func TestArchiveInjectNoTarget(t *testing.T) {
	dir := t.TempDir()
	in := writeArchive(t, dir, "app/main.js")
	shim := filepath.Join(dir, "shim.js")
	require.NoError(t, os.WriteFile(shim, []byte("x"), 0o600))

	_, err := run(t, "archive", "inject", in, filepath.Join(dir, "out.zst"), "--shim", shim)
	require.Error(t, err)
}

func TestArchiveInspectBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x33, 0xc6, 0x00, 0x02, 0, 0, 0, 0}, 0o600))

	_, err := run(t, "archive", "inspect", path)
	require.ErrorIs(t, err, container.ErrFormat)
}

func TestScanRequiresPattern(t *testing.T) {
	_, err := run(t, "scan")
	require.Error(t, err)
}

func TestScanMalformedPattern(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	_, err = run(t, "scan", "--module", filepath.Base(exe), "--pattern", "AA BB ?? CC")
	require.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	file := filepath.Join(t.TempDir(), "native.yaml")
	require.NoError(t, os.WriteFile(file, []byte("composer_hooks: true\n"), 0o600))

	out, err := run(t, "config", "show", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "composer_hooks: true")
	assert.Contains(t, out, "disable_bitmoji: false")
}
