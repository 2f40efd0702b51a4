package fileops

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// ErrNotFound reports a read of a missing file. The API layer maps it
// to HTTP 404.
var ErrNotFound = errors.New("file not found")

// ExcludedDirs are dependency and VCS directories skipped by listings
// and extraction counts.
var ExcludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".pnpm-store":  true,
	".pnpm":        true,
}

// Service performs file operations rooted at the project directory.
// All relative paths resolve against the root; escapes are rejected.
type Service struct {
	root string
}

func New(root string) *Service {
	return &Service{root: root}
}

func (s *Service) Root() string {
	return s.root
}

func (s *Service) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := filepath.Join(s.root, rel)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project root: %s", rel)
	}
	return abs, nil
}

func (s *Service) Read(path string) (string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// Write stores a file, creating parent directories as needed. Binary
// payloads arrive base64-encoded; text is written as-is. The write is
// atomic so a concurrent read never observes a half-written file.
func (s *Service) Write(path, content string, isBinary bool) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}

	data := []byte(content)
	if isBinary {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return fmt.Errorf("decode binary content: %w", err)
		}
		data = decoded
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := atomic.WriteFile(abs, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Service) Mkdir(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func (s *Service) Delete(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// FileInfo is one listing entry, path relative to the project root.
type FileInfo struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// List walks the project tree up to depth levels, skipping dependency
// and VCS directories.
func (s *Service) List(depth int) ([]FileInfo, error) {
	if depth <= 0 {
		depth = 10
	}

	var files []FileInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can disappear mid-walk; listing stays best-effort.
			return nil
		}
		if path == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}

		if d.IsDir() && ExcludedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if strings.Count(rel, string(filepath.Separator)) >= depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info := FileInfo{Path: rel, IsDir: d.IsDir()}
		if !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				info.Size = fi.Size()
			}
		}
		files = append(files, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	return files, nil
}
