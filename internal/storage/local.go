package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const partialSuffix = ".partial"

// Local stores artifacts in a directory tree
type Local struct {
	root string
}

// NewLocal creates a store rooted at dir, creating it when missing
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

// Create writes to a ".partial" sibling that is renamed into place on Close
func (l *Local) Create(_ context.Context, name string) (io.WriteCloser, error) {
	final := l.path(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", name, err)
	}
	f, err := os.Create(final + partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", name, err)
	}
	return &localWriter{f: f, final: final}, nil
}

// Open opens a committed artifact
func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(name))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", name, err)
	}
	return f, nil
}

// Remove deletes name and any partial upload of it
func (l *Local) Remove(_ context.Context, name string) error {
	full := l.path(name)
	for _, p := range []string{full, full + partialSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: remove %s: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether a committed artifact exists
func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(l.path(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Location returns the artifact's filesystem path
func (l *Local) Location(name string) string {
	return l.path(name)
}

// Root returns the store directory
func (l *Local) Root() string {
	return l.root
}

type localWriter struct {
	f     *os.File
	final string
	done  bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close flushes the partial file and renames it into place
func (w *localWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("storage: close %s: %w", w.final, err)
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("storage: commit %s: %w", w.final, err)
	}
	return nil
}

// Abort drops the partial file
func (w *localWriter) Abort(error) error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: abort %s: %w", w.final, err)
	}
	return nil
}

var _ FileStore = (*Local)(nil)
