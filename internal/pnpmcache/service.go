package pnpmcache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
)

// Service moves the pnpm store between machines. Layout and compression
// format are probed on read rather than assumed, so peers with older
// stores or different tooling still interoperate.
type Service struct {
	storeDir string
	lock     *flock.Flock
}

func New(storeDir string) *Service {
	return &Service{
		storeDir: storeDir,
		lock:     flock.New(filepath.Join(os.TempDir(), "boxd-store.lock")),
	}
}

func (s *Service) StoreDir() string {
	return s.storeDir
}

// StreamArchive writes a gzip-compressed tar of the layout's include
// dirs directly to w as it is produced. Symlinks are dereferenced, since a
// store full of symlinks is useless on the receiving machine, and
// files that disappear mid-read are tolerated: this is a best-effort
// snapshot, not a consistent one.
func (s *Service) StreamArchive(w io.Writer, layout *Layout) error {
	return StreamTarGz(w, s.storeDir, layout.Dirs)
}

// StreamTarGz archives the given dirs (relative to baseDir) through an
// in-process gzip writer into w.
func StreamTarGz(w io.Writer, baseDir string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("nothing to archive")
	}

	gzw := gzip.NewWriter(w)

	args := []string{"-ch", "--ignore-failed-read", "-f", "-"}
	args = append(args, dirs...)
	cmd := exec.Command("tar", args...)
	cmd.Dir = baseDir
	cmd.Stdout = gzw
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Exit status 1 means "file changed as we read it", acceptable
		// for a live store. Anything else is a real failure.
		if exitCode(err) != 1 {
			gzw.Close()
			return fmt.Errorf("archive store: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		slog.Debug("Store changed during archiving", "detail", strings.TrimSpace(stderr.String()))
	}

	if err := gzw.Close(); err != nil {
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	return nil
}

// ExtractSnapshot expands a downloaded snapshot file into the store
// directory, picking the decompression pipeline from the file's leading
// bytes. A zstd snapshot without the zstd tool installed is a fatal
// configuration error for this attempt, not a silent skip.
func (s *Service) ExtractSnapshot(path string) error {
	leading, err := readLeading(path, 4)
	if err != nil {
		return err
	}
	format := SniffFormat(leading)

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer s.lock.Unlock()

	if err := os.MkdirAll(s.storeDir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	switch format {
	case FormatGzip:
		return s.extractGzip(path)
	case FormatZstd:
		return s.extractZstd(path)
	default:
		return s.extractTar(path)
	}
}

func (s *Service) extractGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gzr.Close()

	cmd := exec.Command("tar", "-x", "-C", s.storeDir, "-f", "-")
	cmd.Stdin = gzr
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("extract gzip snapshot: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Service) extractZstd(path string) error {
	zstdPath, err := exec.LookPath("zstd")
	if err != nil {
		return fmt.Errorf("snapshot is zstd-compressed but no zstd decompressor is installed on this machine: %w", err)
	}

	zcmd := exec.Command(zstdPath, "-dc", path)
	pipe, err := zcmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("zstd pipe: %w", err)
	}
	if err := zcmd.Start(); err != nil {
		return fmt.Errorf("start zstd: %w", err)
	}

	tarCmd := exec.Command("tar", "-x", "-C", s.storeDir, "-f", "-")
	tarCmd.Stdin = pipe
	out, tarErr := tarCmd.CombinedOutput()
	zstdErr := zcmd.Wait()

	if zstdErr != nil {
		return fmt.Errorf("decompress zstd snapshot: %w", zstdErr)
	}
	if tarErr != nil {
		return fmt.Errorf("extract zstd snapshot: %w: %s", tarErr, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Service) extractTar(path string) error {
	cmd := exec.Command("tar", "-xf", path, "-C", s.storeDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("extract snapshot: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func readLeading(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	return buf[:read], nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
		return exitErr.ProcessState.ExitCode()
	}
	return -1
}
