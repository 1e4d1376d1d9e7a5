// Package fsstore implements the persisted record tree described in the
// specification's external-interfaces section: one directory per logical
// store, one file per entity, JSON records. It sits on top of
// github.com/rainycape/vfs so the exact same code path runs against a real
// OS directory in production (vfs.FS) and an in-memory filesystem in tests
// (vfs.Memory) — no special-casing needed anywhere above this package.
package fsstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/rainycape/vfs"

	"github.com/corpcore/orchestrator/corperrors"
)

// Store is a JSON-record filesystem rooted at a vfs.VFS. All writes for a
// given relative path are serialized; only per-entity (not global)
// serialization is required, but a single mutex here is cheap
// and the fsstore layer itself is not the bottleneck (the owning component
// — ledger, hook, ...— already holds a per-entity lock before it calls in).
type Store struct {
	fs vfs.VFS
	mu sync.Mutex
}

// Open wraps an existing vfs.VFS (vfs.FS(root) in production, vfs.Memory()
// in tests).
func Open(fs vfs.VFS) *Store {
	return &Store{fs: fs}
}

// OpenOS is a convenience constructor for a real on-disk root directory.
func OpenOS(root string) (*Store, error) {
	fs, err := vfs.FS(root)
	if err != nil {
		return nil, fmt.Errorf("%w: open fs root %s: %v", corperrors.ErrStorage, root, err)
	}
	return Open(fs), nil
}

// OpenMemory returns a Store backed entirely by memory, for tests.
func OpenMemory() *Store {
	return Open(vfs.Memory())
}

// WriteJSON marshals v and writes it atomically-enough (truncate + write)
// to relPath, creating parent directories as needed.
func (s *Store) WriteJSON(relPath string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", relPath, err)
	}
	return s.WriteBytes(relPath, data)
}

// WriteBytes writes raw bytes to relPath, creating parent directories.
func (s *Store) WriteBytes(relPath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := path.Dir(relPath)
	if dir != "." && dir != "/" {
		if err := vfs.MkdirAll(s.fs, dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", corperrors.ErrStorage, dir, err)
		}
	}

	f, err := s.fs.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", corperrors.ErrStorage, relPath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", corperrors.ErrStorage, relPath, err)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("%w: sync %s: %v", corperrors.ErrStorage, relPath, err)
		}
	}
	return nil
}

// AppendBytes opens relPath for append (creating it if absent) and writes
// data, fsyncing before returning — the write-ahead discipline the ledger
// depends on.
func (s *Store) AppendBytes(relPath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := path.Dir(relPath)
	if dir != "." && dir != "/" {
		if err := vfs.MkdirAll(s.fs, dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", corperrors.ErrStorage, dir, err)
		}
	}

	f, err := s.fs.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", corperrors.ErrStorage, relPath, err)
	}
	defer f.Close()

	if fd, ok := f.(interface{ Fd() uintptr }); ok {
		if err := flockExclusive(fd); err == nil {
			defer funlock(fd)
		}
		// vfs.Memory() files (used in tests) don't expose Fd(), so this
		// branch is skipped and no lock is taken for them.
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: append %s: %v", corperrors.ErrStorage, relPath, err)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("%w: sync %s: %v", corperrors.ErrStorage, relPath, err)
		}
	}
	return nil
}

// ReadJSON reads relPath and unmarshals it into v.
func (s *Store) ReadJSON(relPath string, v interface{}) error {
	data, err := s.ReadBytes(relPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: unmarshal %s: %v", corperrors.ErrSchemaMismatch, relPath, err)
	}
	return nil
}

// ReadBytes reads the full contents of relPath.
func (s *Store) ReadBytes(relPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Open(relPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", corperrors.ErrNotFound, relPath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", corperrors.ErrStorage, relPath, err)
	}
	return data, nil
}

// Exists reports whether relPath exists.
func (s *Store) Exists(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.fs.Stat(relPath)
	return err == nil
}

// Remove deletes relPath. Missing files are not an error.
func (s *Store) Remove(relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.fs.Stat(relPath); err != nil {
		return nil
	}
	if err := s.fs.Remove(relPath); err != nil {
		return fmt.Errorf("%w: remove %s: %v", corperrors.ErrStorage, relPath, err)
	}
	return nil
}

// List returns the sorted base names of entries directly under dir.
func (s *Store) List(dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, nil // an absent directory simply has no entries yet
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}
