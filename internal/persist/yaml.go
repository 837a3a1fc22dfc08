package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLBundleStore keeps one YAML file per bundle key in a directory.
type YAMLBundleStore struct {
	dir string
}

// NewYAMLBundleStore creates dir if needed and returns a store over it.
func NewYAMLBundleStore(dir string) (*YAMLBundleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &YAMLBundleStore{dir: dir}, nil
}

func (s *YAMLBundleStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid bundle key %q", key)
	}
	return filepath.Join(s.dir, key+".yaml"), nil
}

// LoadBundle implements BundleStore.
func (s *YAMLBundleStore) LoadBundle(_ context.Context, key string) (*Bundle, bool, error) {
	fn, err := s.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", fn, err)
	}

	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, false, fmt.Errorf("yaml unmarshal %s: %w", fn, err)
	}
	return &b, true, nil
}

// SaveBundle implements BundleStore.
func (s *YAMLBundleStore) SaveBundle(_ context.Context, key string, b *Bundle) error {
	fn, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return writeFileAtomic(fn, data)
}

// DeleteBundle implements BundleStore.
func (s *YAMLBundleStore) DeleteBundle(_ context.Context, key string) error {
	fn, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fn); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", fn, err)
	}
	return nil
}

// FileStore is a Store backed by a single YAML file of key: bool pairs.
//
// Values are cached in memory. Reload re-reads the file, which lets a
// Watcher pick up edits made by other processes.
type FileStore struct {
	path string

	mu     sync.RWMutex
	values map[string]bool
}

// OpenFileStore loads path, creating an empty store if it does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]bool)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Reload replaces the cache with the file's current contents.
// A missing file yields an empty store.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	values := make(map[string]bool)
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("yaml unmarshal %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Contains implements Store.
func (s *FileStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Set implements Store. The whole file is rewritten atomically.
func (s *FileStore) Set(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.values[key]; ok && old == value {
		return nil
	}
	s.values[key] = value

	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(fn string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(fn), "."+filepath.Base(fn)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", fn, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, fn); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to %s: %w", fn, err)
	}
	return nil
}

var (
	_ BundleStore = (*YAMLBundleStore)(nil)
	_ Store       = (*FileStore)(nil)
)
