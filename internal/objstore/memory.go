package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type memObject struct {
	data    []byte
	version string
}

// MemStore keeps objects in a map. Every Put stamps a fresh version id.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func (s *MemStore) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.objects[path] = memObject{data: cp, version: uuid.NewString()}
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, NotFound(path)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemStore) GetRange(ctx context.Context, path string, off, n int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, NotFound(path)
	}
	lo, hi, err := rangeOf(path, int64(len(obj.data)), off, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), obj.data[lo:hi]...), nil
}

func (s *MemStore) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return ObjectInfo{}, NotFound(path)
	}
	return ObjectInfo{Path: path, Size: int64(len(obj.data)), Version: obj.version}, nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	out := make([]ObjectInfo, 0)
	for p, obj := range s.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, ObjectInfo{Path: p, Size: int64(len(obj.data)), Version: obj.version})
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemStore) Close() error { return nil }

// Len returns the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
