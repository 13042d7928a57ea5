package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore keeps the calibration tree on the local filesystem. Writes are
// atomic (temp file + rename) so a crashed run never leaves a truncated
// master or reduced frame behind.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a local store rooted at baseDir/prefix.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	root := filepath.Join(baseDir, filepath.FromSlash(prefix))
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &LocalStore{baseDir: root}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// List returns the keys of regular files directly under prefix, sorted.
// A missing directory is an empty partition, not an error.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.path(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, strings.TrimSuffix(prefix, "/")+"/"+e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) Write(ctx context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

func (s *LocalStore) URI(key string) string {
	return "file://" + filepath.ToSlash(s.path(key))
}

func (s *LocalStore) Close() error { return nil }
