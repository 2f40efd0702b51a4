package pnpmcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotServer(t *testing.T, store string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		layout, _, err := DetectLayout(store)
		require.NoError(t, err)
		if layout == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Cache-Layout", string(layout.Kind))
		require.NoError(t, New(store).StreamArchive(w, layout))
	}))
}

func TestWarmFetchesAndExtracts(t *testing.T) {
	source := t.TempDir()
	writeStoreFile(t, source, "files/aa/blob", strings.Repeat("x", 4096))
	writeStoreFile(t, source, "index/aa/blob.json", "{}")

	server := snapshotServer(t, source)
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "store")
	warmer := NewWarmer(New(dest), strings.TrimPrefix(server.URL, "http://"), 30*time.Second, 64)

	require.NoError(t, warmer.Warm(context.Background()))

	_, err := os.Stat(filepath.Join(dest, "files/aa/blob"))
	assert.NoError(t, err)
}

func TestWarmUnconfiguredIsNoOp(t *testing.T) {
	warmer := NewWarmer(New(t.TempDir()), "", time.Second, 64)
	assert.False(t, warmer.Configured())
	assert.NoError(t, warmer.Warm(context.Background()))
}

func TestWarmRejectsTrivialSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}))
	defer server.Close()

	warmer := NewWarmer(New(t.TempDir()), strings.TrimPrefix(server.URL, "http://"), 30*time.Second, 1024)

	err := warmer.Warm(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestWarmSourceWithoutStore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	warmer := NewWarmer(New(t.TempDir()), strings.TrimPrefix(server.URL, "http://"), 30*time.Second, 64)

	err := warmer.Warm(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no store to share")
}

func TestWarmHonorsTimeout(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	warmer := NewWarmer(New(t.TempDir()), strings.TrimPrefix(server.URL, "http://"), 100*time.Millisecond, 64)

	start := time.Now()
	err := warmer.Warm(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
