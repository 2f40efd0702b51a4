package fileops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// UploadName is the fixed file name used when an upload is persisted
// instead of extracted.
const UploadName = "upload.tar"

// Extract expands a tar archive from r into the project root. The body
// is buffered to a temp file so the tar tool can seek it; the temp file
// is removed on success and failure alike. Returns the number of
// extracted files, excluding dependency and VCS directories.
func (s *Service) Extract(r io.Reader) (int, time.Duration, error) {
	start := time.Now()

	tmpPath, err := spoolToTemp(r, "boxd-extract-")
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil {
			slog.Warn("Temp archive cleanup failed", "path", tmpPath, "error", err)
		}
	}()

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return 0, 0, fmt.Errorf("create project root: %w", err)
	}

	cmd := exec.Command("tar", "-xf", tmpPath, "-C", s.root)
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, 0, fmt.Errorf("extract archive: %w: %s", err, strings.TrimSpace(string(out)))
	}

	count, err := countArchiveFiles(tmpPath)
	if err != nil {
		return 0, 0, err
	}

	return count, time.Since(start), nil
}

// SaveUpload streams an archive body to a temp file and then either
// extracts it into target or persists it there under UploadName. The
// body is never buffered fully in memory.
func (s *Service) SaveUpload(r io.Reader, target string, extract bool) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("target path is required")
	}

	tmpPath, err := spoolToTemp(r, "boxd-upload-")
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Temp archive cleanup failed", "path", tmpPath, "error", err)
		}
	}()

	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	if extract {
		cmd := exec.Command("tar", "-xf", tmpPath, "-C", target)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("extract upload: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return target, nil
	}

	dest := filepath.Join(target, UploadName)
	if err := os.Rename(tmpPath, dest); err != nil {
		// Rename fails across filesystems; fall back to a copy.
		if err := copyFile(tmpPath, dest); err != nil {
			return "", fmt.Errorf("persist upload: %w", err)
		}
	}
	return dest, nil
}

// Clone clones a git repository into the project root. An access token
// is woven into https remotes; the URL never appears in logs with the
// token attached.
func (s *Service) Clone(ctx context.Context, repoURL, token string) error {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return fmt.Errorf("url is required")
	}

	cloneURL := repoURL
	if token != "" {
		parsed, err := url.Parse(repoURL)
		if err != nil || parsed.Scheme != "https" {
			return fmt.Errorf("token requires a valid https url")
		}
		parsed.User = url.UserPassword("x-access-token", token)
		cloneURL = parsed.String()
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("create project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", cloneURL, ".")
	cmd.Dir = s.root
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if token != "" {
			msg = strings.ReplaceAll(msg, token, "***")
		}
		return fmt.Errorf("git clone %s: %w: %s", repoURL, err, msg)
	}

	slog.Info("Repository cloned", "url", repoURL, "root", s.root)
	return nil
}

// spoolToTemp writes r to a new temp file and returns its path. The
// caller owns cleanup.
func spoolToTemp(r io.Reader, prefix string) (string, error) {
	tmp, err := os.CreateTemp("", prefix+ulid.Make().String()+"-*.tar")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("spool archive body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp archive: %w", err)
	}
	return tmp.Name(), nil
}

// countArchiveFiles counts regular-file entries in a tar archive,
// excluding anything under a dependency or VCS directory.
func countArchiveFiles(archivePath string) (int, error) {
	out, err := exec.Command("tar", "-tf", archivePath).Output()
	if err != nil {
		return 0, fmt.Errorf("list archive: %w", err)
	}

	count := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		if underExcludedDir(name) {
			continue
		}
		count++
	}
	return count, nil
}

func underExcludedDir(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if ExcludedDirs[part] {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
