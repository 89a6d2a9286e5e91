// Package checkpoint persists resumable fleet and issue progress.
//
// Every write goes through Store.Mutate, which loads the current state,
// applies a transition and replaces the file atomically (temp file, fsync,
// rename) before returning. A reader therefore sees either the previous
// state or the new one, never a partial file. A failed transition or write
// leaves the file untouched.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/convoy/internal/errors"
)

// toucher is implemented by states that record their own checkpoint time.
type toucher interface {
	Touch(now time.Time)
}

// normalizer is implemented by states that repair nil maps after decoding.
type normalizer interface {
	normalize()
}

// versioned is implemented by states that carry a schema version.
type versioned interface {
	schemaVersion() int
}

func (s *FleetState) schemaVersion() int { return s.SchemaVersion }
func (s *IssueState) schemaVersion() int { return s.SchemaVersion }

// Store is a single JSON checkpoint file holding a value of type S.
// Mutations through one Store are serialized; callers that share a file
// must share the Store (Stores does this).
type Store[S any] struct {
	fs      afero.Fs
	path    string
	newFunc func() *S
	now     func() time.Time

	mu sync.Mutex
}

// NewStore returns a store for path on fs. newFunc builds the state
// returned when the file does not exist yet.
func NewStore[S any](fs afero.Fs, path string, newFunc func() *S) *Store[S] {
	return &Store[S]{fs: fs, path: path, newFunc: newFunc, now: time.Now}
}

// Path returns the checkpoint file path.
func (s *Store[S]) Path() string {
	return s.path
}

// Load returns the persisted state, or a fresh default state when the file
// is absent. A file that exists but cannot be decoded is an error.
func (s *Store[S]) Load(ctx context.Context) (*S, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Exists reports whether the checkpoint file has been written.
func (s *Store[S]) Exists() bool {
	ok, err := afero.Exists(s.fs, s.path)
	return err == nil && ok
}

func (s *Store[S]) load() (*S, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.newFunc(), nil
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", s.path, err)
	}

	state := s.newFunc()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrCheckpointCorrupted, s.path, err)
	}
	if v, ok := any(state).(versioned); ok && v.schemaVersion() > SchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema version %d, newest supported is %d",
			errors.ErrCheckpointCorrupted, s.path, v.schemaVersion(), SchemaVersion)
	}
	if n, ok := any(state).(normalizer); ok {
		n.normalize()
	}
	return state, nil
}

// Mutate loads the state, applies fn and persists the result. If fn
// returns an error or the write fails, nothing is persisted and the error
// is returned. The returned state is the one now on disk.
func (s *Store[S]) Mutate(ctx context.Context, fn func(*S) error) (*S, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if t, ok := any(state).(toucher); ok {
		t.Touch(s.now().UTC())
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.fs, s.path, data); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCheckpointWrite, err)
	}
	return state, nil
}

// Remove deletes the checkpoint file. A missing file is not an error.
func (s *Store[S]) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON to path. Side artifacts
// that live next to checkpoints use it.
func WriteJSON(fs afero.Fs, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(fs, path, data)
}

// writeFileAtomic writes data to a sibling temp file, syncs it and renames
// it over path.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	renamed = true
	return nil
}
