package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/event-dedup/internal/config"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/stagecache"
)

type stubExpirer struct {
	calls  int
	maxAge time.Duration
	batch  int
	err    error
}

func (s *stubExpirer) DeleteOlderThan(_ context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	s.calls++
	s.maxAge, s.batch = maxAge, batchSize
	return 3, s.err
}

func writeCheckpoint(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("title,start_date\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestRunOnce(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	stale := writeCheckpoint(t, dir, "normalized-0123456789ab.csv", now.Add(-48*time.Hour))
	fresh := writeCheckpoint(t, dir, "merged-0123456789ab.csv", now.Add(-time.Hour))
	other := writeCheckpoint(t, dir, "notes.csv", now.Add(-48*time.Hour))

	cfg := &config.Retention{CacheDir: dir, MaxAge: 24 * time.Hour, BatchSize: 50}
	es := &stubExpirer{}
	runOnce(context.Background(), logger.Discard(), es, cfg, now)

	require.Equal(t, 1, es.calls)
	require.Equal(t, 24*time.Hour, es.maxAge)
	require.Equal(t, 50, es.batch)

	require.NoFileExists(t, stale)
	require.FileExists(t, fresh)
	require.FileExists(t, other)
}

func TestRunOncePrunesWhenIndexFails(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	stale := writeCheckpoint(t, dir, "entities-0123456789ab.csv", now.Add(-72*time.Hour))

	cfg := &config.Retention{CacheDir: dir, MaxAge: 24 * time.Hour, BatchSize: 10}
	runOnce(context.Background(), logger.Discard(), &stubExpirer{err: errors.New("es down")}, cfg, now)

	require.NoFileExists(t, stale)
}

func TestRunOnceMissingCacheDir(t *testing.T) {
	cfg := &config.Retention{CacheDir: filepath.Join(t.TempDir(), "missing"), MaxAge: time.Hour, BatchSize: 10}
	es := &stubExpirer{}
	runOnce(context.Background(), logger.Discard(), es, cfg, time.Now())
	require.Equal(t, 1, es.calls)
}

func TestRunOnceLeavesLockedCache(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	stale := writeCheckpoint(t, dir, "merged-0123456789ab.csv", now.Add(-72*time.Hour))

	cache, err := stagecache.Open(dir, false, nil)
	require.NoError(t, err)
	defer cache.Close()

	cfg := &config.Retention{CacheDir: dir, MaxAge: 24 * time.Hour, BatchSize: 10}
	es := &stubExpirer{}
	runOnce(context.Background(), logger.Discard(), es, cfg, now)

	require.Equal(t, 1, es.calls)
	require.FileExists(t, stale)
}
