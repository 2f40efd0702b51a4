package httpapi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hatchbox/boxd/internal/fileops"
	"github.com/hatchbox/boxd/internal/logger"
	"github.com/hatchbox/boxd/internal/pnpmcache"
	"github.com/hatchbox/boxd/internal/supervisor"
)

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	// Timeout is in milliseconds, matching what orchestrator clients send.
	Timeout int64 `json:"timeout,omitempty"`
	Shell   *bool `json:"shell,omitempty"`
}

type setupRequest struct {
	Command string `json:"command"`
}

type fileRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	IsBinary bool   `json:"isBinary,omitempty"`
}

type extractRequest struct {
	Archive string `json:"archive"`
}

type cloneRequest struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "ok",
		"projectRoot":   s.opts.ProjectRoot,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	}
	if s.opts.Health != nil {
		resp["components"] = s.opts.Health()
	}
	if mp := s.opts.Supervisor.Current(); mp != nil {
		resp["process"] = map[string]any{
			"pid":       mp.PID,
			"command":   mp.Command,
			"startedAt": mp.StartedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	decodeLenient(r, &req)

	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = s.opts.ProjectRoot
	} else if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(s.opts.ProjectRoot, cwd)
	}

	result, err := s.opts.Executor.Run(r.Context(), supervisor.ExecRequest{
		Command: req.Command,
		Cwd:     cwd,
		Timeout: time.Duration(req.Timeout) * time.Millisecond,
		Shell:   req.Shell,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("exec finished", "exit_code", result.ExitCode, "timed_out", result.TimedOut, "request_id", logger.GetRequestID(r.Context()))

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	decodeLenient(r, &req)

	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	mp, err := s.opts.Supervisor.Start(req.Command)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "started",
		"pid":     mp.PID,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "depth must be an integer")
			return
		}
		depth = parsed
	}

	files, err := s.opts.Files.List(depth)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	content, err := s.opts.Files.Read(path)
	if err != nil {
		if errors.Is(err, fileops.ErrNotFound) {
			writeFailure(w, http.StatusNotFound, fmt.Sprintf("file not found: %s", path))
			return
		}
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "content": content})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	decodeLenient(r, &req)

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := s.opts.Files.Write(req.Path, req.Content, req.IsBinary); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	decodeLenient(r, &req)

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := s.opts.Files.Mkdir(req.Path); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	decodeLenient(r, &req)

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := s.opts.Files.Delete(req.Path); err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleExtract accepts an archive either as a raw tar body or as JSON
// carrying the tar in base64, and unpacks it over the project root.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var (
		count   int
		elapsed time.Duration
		err     error
	)

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req extractRequest
		decodeLenient(r, &req)
		if req.Archive == "" {
			writeError(w, http.StatusBadRequest, "archive is required")
			return
		}
		data, decErr := base64.StdEncoding.DecodeString(req.Archive)
		if decErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decode archive: %v", decErr))
			return
		}
		count, elapsed, err = s.opts.Files.Extract(bytes.NewReader(data))
	} else {
		count, elapsed, err = s.opts.Files.Extract(r.Body)
	}

	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"fileCount": count,
		"elapsedMs": elapsed.Milliseconds(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("path")
	if target == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	extract, _ := strconv.ParseBool(r.URL.Query().Get("extract"))

	dest, err := s.opts.Files.SaveUpload(r.Body, target, extract)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": dest})
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	decodeLenient(r, &req)

	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	if err := s.opts.Files.Clone(r.Context(), req.URL, req.Token); err != nil {
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	cacheType := r.URL.Query().Get("type")

	switch cacheType {
	case "pnpm":
		layout, checked, err := pnpmcache.DetectLayout(s.opts.Cache.StoreDir())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if layout == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":   "No pnpm store found",
				"checked": checked,
			})
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="pnpm-store.tar.gz"`)
		w.Header().Set("X-Cache-Layout", string(layout.Kind))
		if err := s.opts.Cache.StreamArchive(w, layout); err != nil {
			// Headers are already on the wire; all we can do is log.
			logStreamFailure("pnpm", err)
		}

	case "node_modules":
		dir := filepath.Join(s.opts.ProjectRoot, "node_modules")
		if _, err := os.Stat(dir); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":   "No node_modules directory found",
				"checked": []string{dir},
			})
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", `attachment; filename="node_modules.tar.gz"`)
		if err := pnpmcache.StreamTarGz(w, s.opts.ProjectRoot, []string{"node_modules"}); err != nil {
			logStreamFailure("node_modules", err)
		}

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown cache type: %s", cacheType))
	}
}
