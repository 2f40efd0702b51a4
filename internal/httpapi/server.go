package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hatchbox/boxd/internal/fileops"
	"github.com/hatchbox/boxd/internal/logbuf"
	"github.com/hatchbox/boxd/internal/logger"
	"github.com/hatchbox/boxd/internal/pnpmcache"
	"github.com/hatchbox/boxd/internal/supervisor"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
)

// ComponentHealth is the per-component health snapshot surfaced on
// /health. The daemon wires its own health map in through HealthFunc so
// this package stays free of lifecycle concerns.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type HealthFunc func() map[string]ComponentHealth

// Options carries everything the control server needs. All services are
// constructed once at process start and injected.
type Options struct {
	ProjectRoot       string
	DevServerPort     int
	HeartbeatInterval time.Duration
	Logs              *logbuf.Buffer
	Supervisor        *supervisor.Supervisor
	Executor          *supervisor.Executor
	Files             *fileops.Service
	Cache             *pnpmcache.Service
	Health            HealthFunc
}

// Server is the HTTP front door of the agent. Control routes dispatch
// to the injected services; everything else reverse-proxies to the
// user's dev server.
type Server struct {
	opts      Options
	router    *mux.Router
	proxy     http.Handler
	startTime time.Time
}

func NewServer(opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}

	s := &Server{
		opts:      opts,
		router:    mux.NewRouter(),
		proxy:     newDevServerProxy(opts.DevServerPort),
		startTime: time.Now(),
	}

	// The control route table is fixed at startup; any path not in it
	// falls through to the dev-server proxy.
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	s.router.HandleFunc("/exec", s.handleExec).Methods(http.MethodPost)
	s.router.HandleFunc("/setup", s.handleSetup).Methods(http.MethodPost)
	s.router.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	s.router.HandleFunc("/file", s.handleReadFile).Methods(http.MethodGet)
	s.router.HandleFunc("/file", s.handleWriteFile).Methods(http.MethodPost)
	s.router.HandleFunc("/folder", s.handleFolder).Methods(http.MethodPost)
	s.router.HandleFunc("/delete", s.handleDelete).Methods(http.MethodPost)
	s.router.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	s.router.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	s.router.HandleFunc("/download", s.handleDownload).Methods(http.MethodGet)
	s.router.HandleFunc("/clone", s.handleClone).Methods(http.MethodPost)
	s.router.NotFoundHandler = s.proxy
	s.router.MethodNotAllowedHandler = s.proxy

	return s
}

// ServeHTTP applies CORS, request tagging, and panic recovery to every
// request, proxied ones included, and answers preflight before any
// route matching happens.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	requestID := ulid.Make().String()
	w.Header().Set("X-Request-Id", requestID)
	r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

	slog.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", requestID)

	defer recoverToError(w, requestID)
	s.router.ServeHTTP(w, r)
}
