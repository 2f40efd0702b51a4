package pnpmcache

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarCreate(baseDir, dest string, dirs ...string) (string, error) {
	args := []string{"-cf", dest}
	args = append(args, dirs...)
	cmd := exec.Command("tar", args...)
	cmd.Dir = baseDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func writeStoreFile(t *testing.T, store, rel, content string) {
	t.Helper()
	path := filepath.Join(store, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestStreamArchiveRoundTrip(t *testing.T) {
	source := t.TempDir()
	writeStoreFile(t, source, "files/ab/cdef", "blob-1")
	writeStoreFile(t, source, "index/ab/cdef.json", "{}")

	layout, _, err := DetectLayout(source)
	require.NoError(t, err)
	require.NotNil(t, layout)

	var archive bytes.Buffer
	require.NoError(t, New(source).StreamArchive(&archive, layout))

	// The stream is gzip-compressed.
	assert.Equal(t, FormatGzip, SniffFormat(archive.Bytes()))

	// Extract into a second store via the sniffing path.
	snapshot := filepath.Join(t.TempDir(), "snapshot")
	require.NoError(t, os.WriteFile(snapshot, archive.Bytes(), 0644))

	dest := filepath.Join(t.TempDir(), "store")
	require.NoError(t, New(dest).ExtractSnapshot(snapshot))

	data, err := os.ReadFile(filepath.Join(dest, "files/ab/cdef"))
	require.NoError(t, err)
	assert.Equal(t, "blob-1", string(data))

	// Layout detection on the receiving store matches the source's.
	destLayout, _, err := DetectLayout(dest)
	require.NoError(t, err)
	require.NotNil(t, destLayout)
	assert.Equal(t, layout.Kind, destLayout.Kind)
	assert.ElementsMatch(t, layout.Dirs, destLayout.Dirs)
}

func TestStreamArchiveDereferencesSymlinks(t *testing.T) {
	source := t.TempDir()
	writeStoreFile(t, source, "files/real", "content")
	require.NoError(t, os.Symlink(
		filepath.Join(source, "files/real"),
		filepath.Join(source, "files/link"),
	))

	layout, _, err := DetectLayout(source)
	require.NoError(t, err)

	var archive bytes.Buffer
	require.NoError(t, New(source).StreamArchive(&archive, layout))

	snapshot := filepath.Join(t.TempDir(), "snapshot")
	require.NoError(t, os.WriteFile(snapshot, archive.Bytes(), 0644))

	dest := filepath.Join(t.TempDir(), "store")
	require.NoError(t, New(dest).ExtractSnapshot(snapshot))

	// The link arrived as a regular file with the target's content.
	info, err := os.Lstat(filepath.Join(dest, "files/link"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	data, err := os.ReadFile(filepath.Join(dest, "files/link"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestExtractSnapshotPlainTar(t *testing.T) {
	// Build an uncompressed tar snapshot and let sniffing fall through.
	source := t.TempDir()
	writeStoreFile(t, source, "files/x", "raw")

	snapshot := filepath.Join(t.TempDir(), "snapshot.tar")
	cmdOut, err := tarCreate(source, snapshot, "files")
	require.NoError(t, err, cmdOut)

	dest := filepath.Join(t.TempDir(), "store")
	require.NoError(t, New(dest).ExtractSnapshot(snapshot))

	data, err := os.ReadFile(filepath.Join(dest, "files/x"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))
}

func TestStreamArchiveEmptyLayoutFails(t *testing.T) {
	var archive bytes.Buffer
	err := New(t.TempDir()).StreamArchive(&archive, &Layout{Kind: LayoutModern})
	assert.Error(t, err)
}
