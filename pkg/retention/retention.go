// Package retention is the background GC worker: it sweeps expired
// idempotency records from the store and expired run and bundle directories
// from the filesystem driver, on a bounded per-tick budget so a large
// backlog never monopolizes a tick.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/store"
)

// sweepBudget caps deletions per tick.
const sweepBudget = 1000

// Worker runs the retention sweeps.
type Worker struct {
	st      store.Store
	cfg     config.RetentionConfig
	dataDir string
	logger  *slog.Logger
	now     func() time.Time
}

// NewWorker builds a worker. dataDir may be empty when the deployment has
// no filesystem driver; directory sweeps are skipped then.
func NewWorker(st store.Store, cfg config.RetentionConfig, dataDir string) *Worker {
	return &Worker{
		st:      st,
		cfg:     cfg,
		dataDir: dataDir,
		logger:  slog.Default().With("component", "retention"),
		now:     time.Now,
	}
}

// WithLogger replaces the worker logger.
func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	w.logger = l
	return w
}

// WithClock fixes the worker clock.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run sweeps on the configured interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	interval := w.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one bounded sweep pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	removed, err := w.st.SweepIdempotency(ctx, w.now(), sweepBudget)
	if err != nil {
		return err
	}
	if removed > 0 {
		w.logger.Info("swept idempotency records", "removed", removed)
	}
	if w.dataDir == "" {
		return nil
	}
	if err := w.sweepDir(filepath.Join(w.dataDir, "runs"), w.cfg.RunDays); err != nil {
		return err
	}
	return w.sweepDir(filepath.Join(w.dataDir, "bundles"), w.cfg.BundleDays)
}

// sweepDir removes tenant subdirectory entries older than maxDays, judged by
// modification time. maxDays <= 0 disables the sweep.
func (w *Worker) sweepDir(root string, maxDays int) error {
	if maxDays <= 0 {
		return nil
	}
	cutoff := w.now().AddDate(0, 0, -maxDays)

	tenants, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	removed := 0
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		tenantDir := filepath.Join(root, tenant.Name())
		entries, err := os.ReadDir(tenantDir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if removed >= sweepBudget {
				return nil
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(tenantDir, e.Name())); err != nil {
				w.logger.Error("retention delete failed", "path", e.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		w.logger.Info("swept expired entries", "root", root, "removed", removed)
	}
	return nil
}
