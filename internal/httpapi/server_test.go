package httpapi

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hatchbox/boxd/internal/fileops"
	"github.com/hatchbox/boxd/internal/logbuf"
	"github.com/hatchbox/boxd/internal/pnpmcache"
	"github.com/hatchbox/boxd/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	root   string
	store  string
	logs   *logbuf.Buffer
}

func newTestEnv(t *testing.T, devPort int) *testEnv {
	t.Helper()

	root := t.TempDir()
	store := filepath.Join(t.TempDir(), "store")
	logs := logbuf.New(100, 16, "")

	sup := supervisor.New(logs, root, time.Second)
	t.Cleanup(sup.Stop)

	server := NewServer(Options{
		ProjectRoot:       root,
		DevServerPort:     devPort,
		HeartbeatInterval: 50 * time.Millisecond,
		Logs:              logs,
		Supervisor:        sup,
		Executor:          supervisor.NewExecutor(5*time.Second, time.Minute, 1<<20),
		Files:             fileops.New(root),
		Cache:             pnpmcache.New(store),
	})

	return &testEnv{server: server, root: root, store: store, logs: logs}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if _, isRaw := body.([]byte); body != nil && !isRaw {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestExecSuccessfulCommand(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]string{"command": "exit 0"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["exitCode"])
	assert.Equal(t, "", body["stdout"])
	assert.Equal(t, "", body["stderr"])
}

func TestExecNonZeroExit(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]string{"command": "exit 7"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(7), body["exitCode"])
}

func TestExecCapturesOutput(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]string{"command": "echo out; echo err >&2"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "out\n", body["stdout"])
	assert.Equal(t, "err\n", body["stderr"])
}

func TestExecRunsInProjectRootByDefault(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]string{"command": "pwd"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	resolved, err := filepath.EvalSymlinks(env.root)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", body["stdout"])
}

func TestExecMissingCommand(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecMalformedBodyTreatedAsEmpty(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileWriteThenRead(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/file", map[string]string{"path": "a/b.txt", "content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	rec = env.do(t, http.MethodGet, "/file?path=a/b.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "hi", body["content"])
}

func TestFileReadMissing(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/file?path=missing.txt", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestFileWriteBinary(t *testing.T) {
	env := newTestEnv(t, 0)

	payload := base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0xff})
	rec := env.do(t, http.MethodPost, "/file", map[string]any{
		"path": "bin.dat", "content": payload, "isBinary": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(env.root, "bin.dat"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, data)
}

func TestFileTraversalRejected(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/file?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFolderAndDelete(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/folder", map[string]string{"path": "nested/dir"})
	require.Equal(t, http.StatusOK, rec.Code)

	info, err := os.Stat(filepath.Join(env.root, "nested/dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	rec = env.do(t, http.MethodPost, "/delete", map[string]string{"path": "nested"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = os.Stat(filepath.Join(env.root, "nested"))
	assert.True(t, os.IsNotExist(err))
}

func TestListFilesExcludesDependencies(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "node_modules/pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "index.js"), []byte("x"), 0644))

	rec := env.do(t, http.MethodGet, "/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	raw := rec.Body.String()
	assert.Contains(t, raw, "index.js")
	assert.NotContains(t, raw, "node_modules")
}

func TestDownloadUnknownType(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/download?type=unknown", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Unknown cache type: unknown", body["error"])
}

func TestDownloadPnpmWithoutStore(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/download?type=pnpm", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["checked"])
}

func TestDownloadPnpmStreamsStore(t *testing.T) {
	env := newTestEnv(t, 0)
	blob := filepath.Join(env.store, "files", "aa", "blob")
	require.NoError(t, os.MkdirAll(filepath.Dir(blob), 0755))
	require.NoError(t, os.WriteFile(blob, []byte("data"), 0644))

	rec := env.do(t, http.MethodGet, "/download?type=pnpm", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "modern", rec.Header().Get("X-Cache-Layout"))
	assert.Equal(t, pnpmcache.FormatGzip, pnpmcache.SniffFormat(rec.Body.Bytes()))
}

func TestDownloadNodeModules(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/download?type=node_modules", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "node_modules/pkg"), 0755))

	rec = env.do(t, http.MethodGet, "/download?type=node_modules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pnpmcache.FormatGzip, pnpmcache.SniffFormat(rec.Body.Bytes()))
}

func buildTestTar(t *testing.T, files map[string]string) []byte {
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
	return buf.Bytes()
}

func TestExtractRawBody(t *testing.T) {
	env := newTestEnv(t, 0)
	archive := buildTestTar(t, map[string]string{"src/main.js": "console.log(1)"})

	rec := env.do(t, http.MethodPost, "/extract", archive)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["fileCount"])

	data, err := os.ReadFile(filepath.Join(env.root, "src/main.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
}

func TestExtractBase64JSON(t *testing.T) {
	env := newTestEnv(t, 0)
	archive := buildTestTar(t, map[string]string{"readme.md": "# hi"})

	rec := env.do(t, http.MethodPost, "/extract", map[string]string{
		"archive": base64.StdEncoding.EncodeToString(archive),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := os.Stat(filepath.Join(env.root, "readme.md"))
	assert.NoError(t, err)
}

func TestUploadPersistsArchive(t *testing.T) {
	env := newTestEnv(t, 0)
	archive := buildTestTar(t, map[string]string{"a.txt": "a"})

	rec := env.do(t, http.MethodPost, "/upload?path=incoming", archive)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["path"], fileops.UploadName)
}

func TestUploadWithExtract(t *testing.T) {
	env := newTestEnv(t, 0)
	archive := buildTestTar(t, map[string]string{"b.txt": "b"})

	rec := env.do(t, http.MethodPost, "/upload?path=unpacked&extract=true", archive)
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(env.root, "unpacked/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestSetupStartsTrackedProcess(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/setup", map[string]string{"command": "sleep 5"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "started", body["status"])
	assert.Greater(t, body["pid"], float64(0))

	rec = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody(t, rec)
	require.Contains(t, health, "process")
	assert.Equal(t, "sleep 5", health["process"].(map[string]any)["command"])
}

func TestHealthReportsProjectRoot(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, env.root, body["projectRoot"])
}

func TestOptionsPreflightShortCircuits(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/anything/at/all", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAppliedToControlRoutes(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCloneRequiresURL(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/clone", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloneRejectsNonHTTPSWithToken(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/clone", map[string]string{
		"url": "git://example.com/repo.git", "token": "secret",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestExecTimeoutClamped(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]any{
		"command": "sleep 10", "timeout": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["timedOut"])
	assert.NotEqual(t, float64(0), body["exitCode"])
	assert.Contains(t, fmt.Sprint(body["stderr"]), "timed out")
}

func TestExecArgvMode(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/exec", map[string]any{
		"command": `echo "one two"`, "shell": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "one two\n", body["stdout"])
}

func TestMethodFallsThroughToProxy(t *testing.T) {
	// A wrong-method hit on a control path is not a control request and
	// follows the proxy fallback like any unmatched route.
	env := newTestEnv(t, unusedPort(t))

	rec := env.do(t, http.MethodGet, "/exec", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Boxd-Booting"))
}

func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
