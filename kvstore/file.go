package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps every key in one CBOR file. The file is re-read on every access so writes made
// by other processes are seen, and replaced atomically on every write. Subscribers are only told
// about writes made through this FileStore.
type FileStore struct {
	watchers
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("NewFileStore: %w", err)
	}
	s := &FileStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("NewFileStore: %w", err)
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (map[string][]byte, error) {
	data := make(map[string][]byte)
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return data, nil
	}
	if err := unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return data, nil
}

func (s *FileStore) save(data map[string][]byte) error {
	b, err := marshal(data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	s.mu.Lock()
	data, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	b, ok := data[key]
	if !ok {
		return false, nil
	}
	return true, unmarshal(b, dst)
}

func (s *FileStore) Set(ctx context.Context, key string, value interface{}) error {
	b, err := marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	data, err := s.load()
	if err == nil {
		data[key] = b
		err = s.save(data)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("FileStore.Set %s: %w", key, err)
	}
	s.emit(Change{Key: key, Value: b})
	return nil
}

func (s *FileStore) Remove(ctx context.Context, keys ...string) error {
	var changes []Change
	s.mu.Lock()
	data, err := s.load()
	if err == nil {
		for _, k := range keys {
			if _, ok := data[k]; ok {
				delete(data, k)
				changes = append(changes, Change{Key: k, Removed: true})
			}
		}
		if len(changes) > 0 {
			err = s.save(data)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("FileStore.Remove: %w", err)
	}
	s.emit(changes...)
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
