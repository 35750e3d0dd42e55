package objectstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore keeps a bucket as a directory tree on the local filesystem.
// Used for development and tests, and for runs where the delivery root is a
// mounted volume.
type LocalStore struct {
	root   string
	bucket string
}

func NewLocal(root, bucket string) *LocalStore {
	return &LocalStore{root: root, bucket: bucket}
}

// NewLocalFactory returns a Factory rooted at dir.
func NewLocalFactory(dir string) Factory {
	return func(bucket string) (Store, error) {
		return NewLocal(dir, bucket), nil
	}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, s.bucket, filepath.FromSlash(key))
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	base := filepath.Join(s.root, s.bucket)
	var keys []string
	err := filepath.WalkDir(s.path(prefix), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) ListDirs(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.path(prefix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (s *LocalStore) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

func (s *LocalStore) Write(_ context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		return err
	}
	// Write-then-rename so a partially written object is never visible
	// under its final key.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStore) URI(key string) string {
	return s.path(strings.TrimPrefix(key, "/"))
}

func (s *LocalStore) Bucket() string {
	return s.bucket
}

// EnsureDir creates the directory behind a key prefix. The substrate's COPY
// statements require the destination directory to exist.
func (s *LocalStore) EnsureDir(prefix string) error {
	return os.MkdirAll(s.path(prefix), os.ModePerm)
}
