// Package stagecache checkpoints pipeline stage outputs on disk so a rerun can
// resume without recomputing finished stages.
package stagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"

	"github.com/DeafMist/event-dedup/internal/dataset"
	"github.com/DeafMist/event-dedup/internal/logger"
)

const (
	lockName  = ".stagecache.lock"
	extension = ".csv"
)

var checkpointName = regexp.MustCompile(`^[a-z_]+-[0-9a-f]{12}\.csv$`)

var (
	// ErrLocked means another run holds the cache directory.
	ErrLocked = errors.New("stage cache is locked by another run")
	// ErrMiss means no checkpoint exists for a key.
	ErrMiss = errors.New("stage cache miss")
)

// Key identifies one checkpoint: a stage name plus the signature of
// everything that produced it.
type Key struct {
	Stage     string
	Signature string
}

// Derive returns the signature for a stage that consumes the output of k and
// is configured by params.
func (k Key) Derive(stage string, params ...string) Key {
	return Key{Stage: stage, Signature: Sign(append([]string{k.Stage, k.Signature}, params...)...)}
}

// Filename is the checkpoint file name for k.
func (k Key) Filename() string {
	return k.Stage + "-" + k.Signature + extension
}

// Sign hashes parts into a short stable signature.
func Sign(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		io.WriteString(h, p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// SignFile hashes the content of a file.
func SignFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}

// Cache stores checkpoints as CSV files in one directory.
type Cache struct {
	dir   string
	force bool
	lock  *flock.Flock
	log   *slog.Logger
}

// Open locks dir for this process and returns a cache over it. With force set
// every Resolve recomputes and overwrites.
func Open(dir string, force bool, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	return &Cache{dir: dir, force: force, lock: lock, log: logger.OrDiscard(log).With("component", "stagecache")}, nil
}

// Close releases the directory lock.
func (c *Cache) Close() error {
	return c.lock.Unlock()
}

// Force reports whether cached output is ignored.
func (c *Cache) Force() bool {
	return c.force
}

// Path returns the checkpoint path for k.
func (c *Cache) Path(k Key) string {
	return filepath.Join(c.dir, k.Filename())
}

// Exists reports whether a checkpoint for k is on disk.
func (c *Cache) Exists(k Key) bool {
	_, err := os.Stat(c.Path(k))
	return err == nil
}

// Load reads the checkpoint for k. It returns ErrMiss when none exists.
func (c *Cache) Load(k Key) (*dataset.Table, error) {
	path := c.Path(k)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMiss, k.Filename())
	}
	return dataset.ReadFile(path)
}

// Store writes t as the checkpoint for k. The file is written to a temp name
// and renamed so a crash never leaves a truncated checkpoint.
func (c *Cache) Store(k Key, t *dataset.Table) error {
	path := c.Path(k)
	tmp, err := os.CreateTemp(c.dir, "."+k.Stage+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := dataset.Write(tmp, t); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint %s: %w", k.Filename(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint %s: %w", k.Filename(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", k.Filename(), err)
	}

	c.log.Debug("checkpoint stored", slog.String("file", k.Filename()), slog.Int("rows", len(t.Records)))
	return nil
}

// Resolve returns the cached output for k, or computes and stores it.
func (c *Cache) Resolve(k Key, compute func() (*dataset.Table, error)) (*dataset.Table, error) {
	if !c.force && c.Exists(k) {
		c.log.Info("reusing checkpoint", slog.String("stage", k.Stage), slog.String("file", k.Filename()))
		return c.Load(k)
	}

	t, err := compute()
	if err != nil {
		return nil, err
	}
	if err := c.Store(k, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ResolvePair is Resolve for stages that split their input into two outputs.
// Cached output is reused only when both checkpoints exist.
func (c *Cache) ResolvePair(kept, dropped Key, compute func() (*dataset.Table, *dataset.Table, error)) (*dataset.Table, *dataset.Table, error) {
	if !c.force && c.Exists(kept) && c.Exists(dropped) {
		c.log.Info("reusing checkpoints",
			slog.String("stage", kept.Stage),
			slog.String("kept", kept.Filename()),
			slog.String("dropped", dropped.Filename()),
		)
		a, err := c.Load(kept)
		if err != nil {
			return nil, nil, err
		}
		b, err := c.Load(dropped)
		if err != nil {
			return nil, nil, err
		}
		return a, b, nil
	}

	a, b, err := compute()
	if err != nil {
		return nil, nil, err
	}
	if err := c.Store(kept, a); err != nil {
		return nil, nil, err
	}
	if err := c.Store(dropped, b); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// Prune removes checkpoints last written before now-maxAge and returns how
// many were deleted. It takes the directory lock first and returns ErrLocked
// without touching anything while a run holds the cache.
func Prune(dir string, maxAge time.Duration, now time.Time) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("lock cache dir: %w", err)
	}
	if !locked {
		return 0, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	defer lock.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list cache dir: %w", err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !checkpointName.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
