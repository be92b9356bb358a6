// Package statestore persists small JSON documents shared between
// independent invocations (interactive commands, cron runs, watchdog ticks).
// Writes are atomic renames; read-modify-write cycles hold an advisory file
// lock so concurrent writers serialize instead of clobbering each other.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/asheshgoplani/agent-manager/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

var (
	// ErrLocked is returned when the advisory lock cannot be taken in time.
	ErrLocked = errors.New("state file is locked by another process")
	// ErrCorrupt wraps JSON decode failures.
	ErrCorrupt = errors.New("state file is corrupt")
)

const (
	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 50 * time.Millisecond
)

// Store loads and saves one document.
type Store[T any] interface {
	Load(ctx context.Context) (T, error)
	Save(ctx context.Context, v T) error
}

// JSONFile is a Store backed by a single JSON file.
type JSONFile[T any] struct {
	path        string
	lockTimeout time.Duration
}

var _ Store[struct{}] = (*JSONFile[struct{}])(nil)

// NewJSONFile returns a store for path. The lock lives next to it as path+".lock".
func NewJSONFile[T any](path string) *JSONFile[T] {
	return &JSONFile[T]{path: path, lockTimeout: defaultLockTimeout}
}

// WithLockTimeout sets how long Update and Save wait for the lock.
func (f *JSONFile[T]) WithLockTimeout(d time.Duration) *JSONFile[T] {
	f.lockTimeout = d
	return f
}

// Path returns the backing file path.
func (f *JSONFile[T]) Path() string { return f.path }

// Load reads the document. A missing file yields the zero value.
func (f *JSONFile[T]) Load(ctx context.Context) (T, error) {
	var v T
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return v, fmt.Errorf("statestore: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	return v, nil
}

// Save writes v under the lock.
func (f *JSONFile[T]) Save(ctx context.Context, v T) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return f.write(v)
}

// Update runs fn on the current document and saves the result, holding the
// lock for the whole cycle. A corrupt file is replaced by fn's result
// applied to the zero value. If fn returns an error nothing is written.
func (f *JSONFile[T]) Update(ctx context.Context, fn func(v *T) error) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	v, err := f.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		storeLog.Warn("state_file_corrupt_reset", "path", f.path, "error", err)
	}
	if err := fn(&v); err != nil {
		return err
	}
	return f.write(v)
}

// Remove deletes the document. Missing files are not an error.
func (f *JSONFile[T]) Remove(ctx context.Context) error {
	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statestore: remove %s: %w", f.path, err)
	}
	return nil
}

func (f *JSONFile[T]) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	fl := flock.New(f.path + ".lock")
	lctx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lctx, lockRetryDelay)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, f.path)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (f *JSONFile[T]) write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(f.path, data, 0o644)
}

// WriteFileAtomic writes data to a temp file in path's directory, syncs it
// and renames it over path, so readers never see a partial document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("statestore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("statestore: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("statestore: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}
