package kvstore

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in a map. Changes are only visible inside this process.
type MemoryStore struct {
	watchers
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	s.mu.Lock()
	b, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, unmarshal(b, dst)
}

func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}) error {
	b, err := marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = b
	s.mu.Unlock()
	s.emit(Change{Key: key, Value: b})
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	var changes []Change
	s.mu.Lock()
	for _, k := range keys {
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			changes = append(changes, Change{Key: k, Removed: true})
		}
	}
	s.mu.Unlock()
	s.emit(changes...)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
