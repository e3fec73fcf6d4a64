package cache

import (
	"context"
	"sort"
	"sync"
)

// memoryStore 以嵌套 map 保存条目，适合测试与无需持久化的部署。
type memoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
}

// NewMemoryStore 返回进程内 Store。
func NewMemoryStore() Store {
	return &memoryStore{namespaces: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Open(ctx context.Context, namespace string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[namespace]; !ok {
		s.namespaces[namespace] = make(map[string]Entry)
	}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := entry.Clone()
	return &clone, nil
}

func (s *memoryStore) Put(ctx context.Context, namespace string, entry Entry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if entry.Key == "" {
		return ErrKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		entries = make(map[string]Entry)
		s.namespaces[namespace] = entries
	}
	entries[entry.Key] = entry.Clone()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, namespace string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateNamespace(namespace); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.namespaces[namespace]
	delete(s.namespaces, namespace)
	return existed, nil
}

func (s *memoryStore) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.namespaces[namespace]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Close() error { return nil }
