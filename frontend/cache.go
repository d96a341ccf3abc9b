package frontend

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	BC_SUFFIX = ".bc"
	LOCK_FILE = ".lock"
)

// Cache stores bitcode artifacts named after the hash of their preprocessed
// source. It is shared by every worker and by concurrent processes: writers
// take a file lock and publish with an atomic rename, readers never lock and
// simply miss when racing a writer.
type Cache struct {
	Dir    string
	Logger *zap.Logger
}

type CacheEntry struct {
	Hash    string
	Path    string
	Size    int64
	ModTime time.Time
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &IOError{Op: "create cache dir", Path: dir, Err: err}
	}
	return &Cache{Dir: dir, Logger: zap.NewNop()}, nil
}

// isHashName returns true if name is a full hex SHA-256 digest.
func isHashName(name string) bool {
	if len(name) != 64 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

func (c *Cache) path(hash string) string {
	return filepath.Join(c.Dir, hash+BC_SUFFIX)
}

// Lookup returns the artifact path for hash if a complete entry exists.
func (c *Cache) Lookup(hash string) (string, bool) {
	p := c.path(hash)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return "", false
	}
	return p, true
}

// Store copies the bitcode at src into the cache under hash. An existing entry
// is left untouched.
func (c *Cache) Store(hash, src string) (err error) {
	if !isHashName(hash) {
		return fmt.Errorf("invalid cache key %q", hash)
	}

	lock := flock.New(filepath.Join(c.Dir, LOCK_FILE))
	if err := lock.Lock(); err != nil {
		return &IOError{Op: "lock cache", Path: c.Dir, Err: err}
	}
	defer lock.Unlock()

	if _, ok := c.Lookup(hash); ok {
		return nil
	}

	tmp, err := os.CreateTemp(c.Dir, hash+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: c.Dir, Err: err}
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if err := copyInto(tmp, src); err != nil {
		tmp.Close()
		return &IOError{Op: "copy", Path: src, Err: err}
	}
	if err := multierr.Append(tmp.Sync(), tmp.Close()); err != nil {
		return &IOError{Op: "flush", Path: tmp.Name(), Err: err}
	}
	// Store the artifact only after it is complete (rename acts as the publication point)
	if err := os.Rename(tmp.Name(), c.path(hash)); err != nil {
		return &IOError{Op: "publish", Path: c.path(hash), Err: err}
	}
	c.Logger.Debug("Stored bitcode", zap.String("hash", hash))
	return nil
}

func copyInto(w io.Writer, srcpath string) error {
	r, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer r.Close() // ignore error: file was opened read-only.
	_, err = io.Copy(w, r)
	return err
}

// Remove drops the entry for hash, typically one that failed to load. A
// missing entry is not an error.
func (c *Cache) Remove(hash string) error {
	if !isHashName(hash) {
		return fmt.Errorf("invalid cache key %q", hash)
	}

	lock := flock.New(filepath.Join(c.Dir, LOCK_FILE))
	if err := lock.Lock(); err != nil {
		return &IOError{Op: "lock cache", Path: c.Dir, Err: err}
	}
	defer lock.Unlock()

	if err := os.Remove(c.path(hash)); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "remove", Path: c.path(hash), Err: err}
	}
	c.Logger.Debug("Removed bitcode", zap.String("hash", hash))
	return nil
}

// Entries lists complete cache entries, oldest first.
func (c *Cache) Entries() ([]CacheEntry, error) {
	dirEntries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, &IOError{Op: "read", Path: c.Dir, Err: err}
	}
	var entries []CacheEntry
	for _, e := range dirEntries {
		name := e.Name()
		hash, ok := strings.CutSuffix(name, BC_SUFFIX)
		if e.IsDir() || !ok || !isHashName(hash) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		entries = append(entries, CacheEntry{
			Hash:    hash,
			Path:    filepath.Join(c.Dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.Before(entries[j].ModTime) })
	return entries, nil
}

// Prune removes old entries. It keeps at least the keep most recent entries
// and only deletes entries older than minAge, so artifacts a concurrent
// process may be about to load are left alone.
func (c *Cache) Prune(keep int, minAge time.Duration, now time.Time) (int, error) {
	lock := flock.New(filepath.Join(c.Dir, LOCK_FILE))
	if err := lock.Lock(); err != nil {
		return 0, &IOError{Op: "lock cache", Path: c.Dir, Err: err}
	}
	defer lock.Unlock()

	entries, err := c.Entries()
	if err != nil || len(entries) <= keep {
		return 0, err
	}

	cutoff := now.Add(-minAge)
	removed := 0
	for i := 0; i < len(entries)-keep; i++ {
		if !entries[i].ModTime.Before(cutoff) {
			continue
		}
		if rerr := os.Remove(entries[i].Path); rerr != nil {
			err = multierr.Append(err, rerr)
			continue
		}
		removed++
	}
	c.Logger.Info("Pruned bitcode cache", zap.Int("removed", removed), zap.Error(err))
	return removed, err
}

// Clear removes every entry. The whole cache is an optimization and safe to drop.
func (c *Cache) Clear() (int, error) {
	return c.Prune(0, 0, time.Now().Add(time.Hour))
}
