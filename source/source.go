// Package source writes C++ snippets to uniquely named files so that compiler
// diagnostics and native debuggers can refer to real file/line information.
//
// Files are not removed right after a compile. They are released by Sweep once
// older than the retention window, or by Close when the owner shuts down.
package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	Pattern          = "cppjit-*.cpp"
	DefaultRetention = 30 * time.Minute
)

// Error reports an I/O failure while materializing or removing a file.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("source %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("source %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type file struct {
	path    string
	created time.Time
}

type Materializer struct {
	Dir       string        // empty means os.TempDir()
	Retention time.Duration // zero keeps files until Close
	Clock     clock.Clock
	Logger    *zap.Logger

	mu    sync.Mutex
	files []file
}

func NewMaterializer(dir string, retention time.Duration) *Materializer {
	return &Materializer{
		Dir:       dir,
		Retention: retention,
		Clock:     clock.New(),
		Logger:    zap.NewNop(),
	}
}

// Materialize writes text to a fresh file and returns its path. The path is
// unique across concurrent callers because it comes from os.CreateTemp.
func (m *Materializer) Materialize(text string) (string, error) {
	if m.Dir != "" {
		if err := os.MkdirAll(m.Dir, 0755); err != nil {
			return "", &Error{Op: "mkdir", Path: m.Dir, Err: err}
		}
	}
	f, err := os.CreateTemp(m.Dir, Pattern)
	if err != nil {
		return "", &Error{Op: "create", Err: err}
	}
	path := f.Name()
	_, werr := f.WriteString(text)
	cerr := f.Close()
	if err := multierr.Append(werr, cerr); err != nil {
		os.Remove(path)
		return "", &Error{Op: "write", Path: path, Err: err}
	}

	m.mu.Lock()
	m.files = append(m.files, file{path: path, created: m.Clock.Now()})
	m.mu.Unlock()

	m.Logger.Debug("Materialized source", zap.String("path", path), zap.Int("bytes", len(text)))
	return path, nil
}

// Release removes path right away. Used when a compile fails before the
// module was ever loaded, so there is nothing to debug.
func (m *Materializer) Release(path string) error {
	m.mu.Lock()
	for i, f := range m.files {
		if f.path == path {
			m.files = append(m.files[:i], m.files[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return remove(path)
}

// Tracked returns the paths still owned by the materializer, oldest first.
func (m *Materializer) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, len(m.files))
	for i, f := range m.files {
		paths[i] = f.path
	}
	return paths
}

// Sweep removes files older than the retention window.
func (m *Materializer) Sweep() error {
	if m.Retention <= 0 {
		return nil
	}
	cutoff := m.Clock.Now().Add(-m.Retention)

	m.mu.Lock()
	var expired []file
	kept := m.files[:0]
	for _, f := range m.files {
		if f.created.Before(cutoff) || f.created.Equal(cutoff) {
			expired = append(expired, f)
		} else {
			kept = append(kept, f)
		}
	}
	m.files = kept
	m.mu.Unlock()

	var err error
	for _, f := range expired {
		err = multierr.Append(err, remove(f.path))
	}
	if len(expired) > 0 {
		m.Logger.Debug("Swept sources", zap.Int("removed", len(expired)), zap.Error(err))
	}
	return err
}

// Start runs Sweep every interval until ctx is done.
func (m *Materializer) Start(ctx context.Context, interval time.Duration) {
	ticker := m.Clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Sweep(); err != nil {
					m.Logger.Warn("Failed to sweep sources", zap.Error(err))
				}
			}
		}
	}()
}

// Close removes every file still tracked.
func (m *Materializer) Close() error {
	m.mu.Lock()
	files := m.files
	m.files = nil
	m.mu.Unlock()

	var err error
	for _, f := range files {
		err = multierr.Append(err, remove(f.path))
	}
	return err
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "remove", Path: path, Err: err}
	}
	return nil
}
