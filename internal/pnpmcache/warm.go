package pnpmcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Warmer pulls a store snapshot from a designated source machine at
// boot. Failure leaves the agent running without a warm cache; it is
// never a reason to refuse to start.
type Warmer struct {
	service          *Service
	sourceAddr       string
	fetchTimeout     time.Duration
	minSnapshotBytes int64
	client           *http.Client
}

func NewWarmer(service *Service, sourceAddr string, fetchTimeout time.Duration, minSnapshotBytes int64) *Warmer {
	return &Warmer{
		service:          service,
		sourceAddr:       strings.TrimSpace(sourceAddr),
		fetchTimeout:     fetchTimeout,
		minSnapshotBytes: minSnapshotBytes,
		client:           &http.Client{},
	}
}

// Configured reports whether a cache source machine was designated.
func (w *Warmer) Configured() bool {
	return w.sourceAddr != ""
}

// Warm fetches the source machine's store archive, validates it is
// non-trivially sized, and extracts it into the local store. The temp
// snapshot is removed whether or not extraction succeeds.
func (w *Warmer) Warm(ctx context.Context) error {
	if !w.Configured() {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/download?type=pnpm", w.sourceAddr)
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build fetch request: %w", err)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch store snapshot from %s: %w", w.sourceAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("source machine %s has no store to share", w.sourceAddr)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch store snapshot: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "boxd-warm-*.snapshot")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil {
			slog.Warn("Snapshot temp cleanup failed", "path", tmpPath, "error", err)
		}
	}()

	size, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download store snapshot: %w", err)
	}

	if size < w.minSnapshotBytes {
		return fmt.Errorf("store snapshot too small (%d bytes), refusing to extract", size)
	}

	if err := w.service.ExtractSnapshot(tmpPath); err != nil {
		return err
	}

	slog.Info("Package store warmed from source machine",
		"source", w.sourceAddr,
		"bytes", size,
		"layout", resp.Header.Get("X-Cache-Layout"),
		"duration", time.Since(start),
	)
	return nil
}
