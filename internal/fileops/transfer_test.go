package fileops

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestExtractWritesFilesAndCounts(t *testing.T) {
	s := New(t.TempDir())

	archive := buildTar(t, map[string]string{
		"src/app.ts":                "console.log(1)",
		"package.json":              "{}",
		"node_modules/pkg/index.js": "ignored in count",
	})

	count, elapsed, err := s.Extract(archive)
	require.NoError(t, err)

	assert.Equal(t, 2, count)
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))

	content, err := s.Read("src/app.ts")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", content)

	// The excluded dir is still extracted, just not counted.
	_, err = os.Stat(filepath.Join(s.Root(), "node_modules/pkg/index.js"))
	assert.NoError(t, err)
}

func TestExtractCleansTempOnFailure(t *testing.T) {
	s := New(t.TempDir())

	before := countTempArchives(t)
	_, _, err := s.Extract(bytes.NewReader([]byte("definitely not a tar archive")))
	assert.Error(t, err)
	assert.Equal(t, before, countTempArchives(t))
}

func TestExtractThenListReflectsArchive(t *testing.T) {
	s := New(t.TempDir())

	archive := buildTar(t, map[string]string{
		"a.txt":     "1",
		"dir/b.txt": "2",
	})
	_, _, err := s.Extract(archive)
	require.NoError(t, err)

	files, err := s.List(10)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		if !f.IsDir {
			paths = append(paths, f.Path)
		}
	}
	assert.ElementsMatch(t, []string{"a.txt", filepath.Join("dir", "b.txt")}, paths)
}

func TestSaveUploadExtractMode(t *testing.T) {
	s := New(t.TempDir())
	target := t.TempDir()

	archive := buildTar(t, map[string]string{"data/file.txt": "payload"})

	dest, err := s.SaveUpload(archive, target, true)
	require.NoError(t, err)
	assert.Equal(t, target, dest)

	data, err := os.ReadFile(filepath.Join(target, "data/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestSaveUploadPersistMode(t *testing.T) {
	s := New(t.TempDir())
	target := t.TempDir()

	archive := buildTar(t, map[string]string{"x": "y"})

	dest, err := s.SaveUpload(archive, target, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, UploadName), dest)

	_, err = os.Stat(dest)
	assert.NoError(t, err)
}

func TestSaveUploadRequiresTarget(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.SaveUpload(bytes.NewReader(nil), "  ", false)
	assert.Error(t, err)
}

func countTempArchives(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "boxd-extract-*"))
	require.NoError(t, err)
	return len(matches)
}
