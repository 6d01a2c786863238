// Package store defines the config store contract: namespaced key/value
// blobs with per-call atomic commit.
package store

import (
	"sync"

	"devicelink-go/errcode"
)

// Store is implemented by every storage engine. Load returns
// errcode.NotFound for a missing key. Callers treat any other error as
// non-fatal.
type Store interface {
	Save(namespace, key string, value []byte) error
	Load(namespace, key string) ([]byte, error)
	Clear(namespace string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu sync.RWMutex
	m  map[string]map[string][]byte
}

func NewMemory() *Memory { return &Memory{m: map[string]map[string][]byte{}} }

func (s *Memory) Save(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.m[namespace]
	if ns == nil {
		ns = map[string][]byte{}
		s.m[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (s *Memory) Load(namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[namespace][key]
	if !ok {
		return nil, errcode.NotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Memory) Clear(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, namespace)
	return nil
}
