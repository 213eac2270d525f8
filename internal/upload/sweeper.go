package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/your-org/cricket/internal/observability"
)

// Sweeper removes stored uploads older than the retention window.
type Sweeper struct {
	dir       string
	retention time.Duration
	interval  time.Duration
}

func NewSweeper(dir string, retention, interval time.Duration) *Sweeper {
	return &Sweeper{dir: dir, retention: retention, interval: interval}
}

// Enabled reports whether a retention window is configured.
func (s *Sweeper) Enabled() bool {
	return s.retention > 0
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() || s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.SweepOnce(now)
			if err != nil {
				slog.Error("sweep uploads", "error", err, "dir", s.dir)
				continue
			}
			if n > 0 {
				slog.Info("uploads swept", "removed", n, "dir", s.dir)
			}
		}
	}
}

// SweepOnce deletes regular files modified before now-retention and returns
// how many were removed. A zero retention removes nothing.
func (s *Sweeper) SweepOnce(now time.Time) (int, error) {
	return s.SweepOlderThan(now, s.retention)
}

func (s *Sweeper) SweepOlderThan(now time.Time, age time.Duration) (int, error) {
	if age <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read upload dir: %w", err)
	}

	cutoff := now.Add(-age)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove expired upload", "error", err, "path", path)
			continue
		}
		removed++
	}

	observability.UploadsSwept.Add(float64(removed))
	return removed, nil
}
