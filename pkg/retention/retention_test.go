package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/retention"
	"github.com/settld-labs/settld/pkg/store"
)

var fixedNow = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestSweepsExpiredIdempotency(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory().WithClock(fixedClock)

	require.NoError(t, st.PutIdempotency(ctx, "tnt_1", "k1", []byte("{}"), time.Hour))
	require.NoError(t, st.PutIdempotency(ctx, "tnt_1", "k2", []byte("{}"), 30*24*time.Hour))

	w := retention.NewWorker(st, config.RetentionConfig{IdempotencyTTL: time.Hour}, "").
		WithClock(func() time.Time { return fixedNow.Add(2 * time.Hour) })
	require.NoError(t, w.RunOnce(ctx))

	_, ok, err := st.GetIdempotency(ctx, "tnt_1", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.GetIdempotency(ctx, "tnt_1", "k2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepsExpiredRunDirs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory().WithClock(fixedClock)
	dataDir := t.TempDir()

	oldRun := filepath.Join(dataDir, "runs", "tnt_1", "ml_old")
	freshRun := filepath.Join(dataDir, "runs", "tnt_1", "ml_fresh")
	require.NoError(t, os.MkdirAll(oldRun, 0o755))
	require.NoError(t, os.MkdirAll(freshRun, 0o755))
	stale := time.Now().AddDate(0, 0, -100)
	require.NoError(t, os.Chtimes(oldRun, stale, stale))

	w := retention.NewWorker(st, config.RetentionConfig{RunDays: 90, BundleDays: 365}, dataDir)
	require.NoError(t, w.RunOnce(ctx))

	_, err := os.Stat(oldRun)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshRun)
	assert.NoError(t, err)
}

func TestZeroDaysDisablesDirSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory().WithClock(fixedClock)
	dataDir := t.TempDir()

	run := filepath.Join(dataDir, "runs", "tnt_1", "ml_old")
	require.NoError(t, os.MkdirAll(run, 0o755))
	stale := time.Now().AddDate(0, 0, -1000)
	require.NoError(t, os.Chtimes(run, stale, stale))

	w := retention.NewWorker(st, config.RetentionConfig{}, dataDir)
	require.NoError(t, w.RunOnce(ctx))

	_, err := os.Stat(run)
	assert.NoError(t, err)
}
