package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotExist is returned when an object is absent.
	ErrNotExist        = errors.New("storage: object doesn't exist")
	// ErrInvalidIdentity rejects identities that are not canonical keys.
	ErrInvalidIdentity = errors.New("storage: invalid identity")

	errExists       = errors.New("storage: object already exists")
	errPrecondition = errors.New("storage: generation changed")
)

// backend is a flat key/value object store. Keys use "/" separators.
type backend interface {
	read(ctx context.Context, key string) (data []byte, generation int64, err error)
	write(ctx context.Context, key string, data []byte) error
	// create fails with errExists when the key is present.
	create(ctx context.Context, key string, data []byte) error
	// replace fails with errPrecondition when the object changed since generation was read.
	replace(ctx context.Context, key string, data []byte, generation int64) error
	list(ctx context.Context, prefix string) ([]string, error)
	remove(ctx context.Context, key string) error
	ping(ctx context.Context) error
}

// localBackend keeps objects as files below root for development and tests.
type localBackend struct {
	root string
}

func (l *localBackend) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *localBackend) read(_ context.Context, key string) ([]byte, int64, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotExist
		}
		return nil, 0, fmt.Errorf("read from local storage: %w", err)
	}
	return data, 0, nil
}

// stage writes data to a temporary file next to the final path.
func (l *localBackend) stage(key string, data []byte) (string, error) {
	dest := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

func (l *localBackend) write(_ context.Context, key string, data []byte) error {
	tmp, err := l.stage(key, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path(key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (l *localBackend) create(_ context.Context, key string, data []byte) error {
	tmp, err := l.stage(key, data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	// Link fails when the destination exists, which makes the insert atomic.
	if err := os.Link(tmp, l.path(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errExists
		}
		return fmt.Errorf("link into place: %w", err)
	}
	return nil
}

// replace ignores generation; callers serialize read-modify-write with Store.mu.
func (l *localBackend) replace(ctx context.Context, key string, data []byte, _ int64) error {
	return l.write(ctx, key, data)
}

func (l *localBackend) list(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.path(prefix), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk local storage: %w", err)
	}
	return keys, nil
}

func (l *localBackend) remove(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (l *localBackend) ping(context.Context) error {
	info, err := os.Stat(l.root)
	if err != nil {
		return fmt.Errorf("stat local storage: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local storage %s is not a directory", l.root)
	}
	return nil
}
