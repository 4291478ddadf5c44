// Package fsstore implements archivestore.Store on a local directory
// tree: <root>/index.json and <root>/<bundleId>/run_report.json.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/justapithecus/safe-run/types"
)

// FSStore is a single-process, mutex-guarded archive store rooted at a
// local directory. The index is read-modify-write, matching the
// archiver's single-writer contract.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// New creates the archive root (mkdir -p) and returns a store over it.
func New(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) bundlePath(bundleID string) string {
	return filepath.Join(s.root, bundleID, "run_report.json")
}

func (s *FSStore) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

func (s *FSStore) WriteReport(_ context.Context, bundleID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.bundlePath(bundleID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *FSStore) ReadReport(_ context.Context, bundleID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.bundlePath(bundleID))
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", bundleID, err)
	}
	return data, nil
}

func (s *FSStore) ReadIndex(_ context.Context) (types.ArchiveIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return types.ArchiveIndex{}, nil
	}
	if err != nil {
		return types.ArchiveIndex{}, fmt.Errorf("read index: %w", err)
	}
	var index types.ArchiveIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return types.ArchiveIndex{}, fmt.Errorf("decode index: %w", err)
	}
	return index, nil
}

func (s *FSStore) WriteIndex(_ context.Context, index types.ArchiveIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return os.WriteFile(s.indexPath(), data, 0o644)
}
