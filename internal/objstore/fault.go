package objstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrInjected is the error returned by FaultStore when a fault fires.
var ErrInjected = errors.New("objstore: injected fault")

// FaultStore wraps a Store and fails selected operations. Faults are keyed
// by path prefix and fire a fixed number of times, so tests can model a
// transient outage followed by recovery.
type FaultStore struct {
	base Store

	mu        sync.Mutex
	putFaults map[string]int
	getFaults map[string]int
	delFaults map[string]int
	puts      int
}

var _ Store = (*FaultStore)(nil)

func NewFaultStore(base Store) *FaultStore {
	return &FaultStore{
		base:      base,
		putFaults: make(map[string]int),
		getFaults: make(map[string]int),
		delFaults: make(map[string]int),
	}
}

// FailPuts makes the next n puts under prefix fail. n < 0 fails forever.
func (s *FaultStore) FailPuts(prefix string, n int) {
	s.mu.Lock()
	s.putFaults[prefix] = n
	s.mu.Unlock()
}

// FailGets makes the next n reads under prefix fail.
func (s *FaultStore) FailGets(prefix string, n int) {
	s.mu.Lock()
	s.getFaults[prefix] = n
	s.mu.Unlock()
}

// FailDeletes makes the next n deletes under prefix fail.
func (s *FaultStore) FailDeletes(prefix string, n int) {
	s.mu.Lock()
	s.delFaults[prefix] = n
	s.mu.Unlock()
}

// ClearFaults removes every armed fault.
func (s *FaultStore) ClearFaults() {
	s.mu.Lock()
	clear(s.putFaults)
	clear(s.getFaults)
	clear(s.delFaults)
	s.mu.Unlock()
}

// PutCount returns the number of puts that reached the base store.
func (s *FaultStore) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *FaultStore) fire(faults map[string]int, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, n := range faults {
		if !strings.HasPrefix(path, prefix) || n == 0 {
			continue
		}
		if n > 0 {
			faults[prefix] = n - 1
		}
		return true
	}
	return false
}

func (s *FaultStore) Put(ctx context.Context, path string, data []byte) error {
	if s.fire(s.putFaults, path) {
		return ErrInjected
	}
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.base.Put(ctx, path, data)
}

func (s *FaultStore) Get(ctx context.Context, path string) ([]byte, error) {
	if s.fire(s.getFaults, path) {
		return nil, ErrInjected
	}
	return s.base.Get(ctx, path)
}

func (s *FaultStore) GetRange(ctx context.Context, path string, off, n int64) ([]byte, error) {
	if s.fire(s.getFaults, path) {
		return nil, ErrInjected
	}
	return s.base.GetRange(ctx, path, off, n)
}

func (s *FaultStore) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	return s.base.Stat(ctx, path)
}

func (s *FaultStore) Delete(ctx context.Context, path string) error {
	if s.fire(s.delFaults, path) {
		return ErrInjected
	}
	return s.base.Delete(ctx, path)
}

func (s *FaultStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return s.base.List(ctx, prefix)
}

func (s *FaultStore) Close() error { return s.base.Close() }
