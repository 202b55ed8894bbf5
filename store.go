package ensemble

import (
	"context"
	"sync"
)

// Store persists serialized entity records keyed by full entity key.
type Store interface {
	// Get returns found=false when no record exists.
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	Put(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	Shutdown() error
}

// MemoryStore keeps records in process memory. It counts operations so tests
// can assert on store traffic, and can be told to fail writes.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	gets    map[string]int
	puts    map[string]int
	removes map[string]int

	failPuts error
	getHook  func(key string)
	putHook  func(key string)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		gets:    make(map[string]int),
		puts:    make(map[string]int),
		removes: make(map[string]int),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	s.gets[key]++
	hook := s.getHook
	d, ok := s.data[key]
	s.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), d...), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	hook := s.putHook
	s.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key]++
	if s.failPuts != nil {
		return s.failPuts
	}
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes[key]++
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Shutdown() error {
	return nil
}

// SetPutError makes every subsequent Put fail with err. nil restores writes.
func (s *MemoryStore) SetPutError(err error) {
	s.mu.Lock()
	s.failPuts = err
	s.mu.Unlock()
}

// SetGetHook installs a callback run inside Get before it returns.
func (s *MemoryStore) SetGetHook(fn func(key string)) {
	s.mu.Lock()
	s.getHook = fn
	s.mu.Unlock()
}

// SetPutHook installs a callback run at the start of Put, before the record
// is stored.
func (s *MemoryStore) SetPutHook(fn func(key string)) {
	s.mu.Lock()
	s.putHook = fn
	s.mu.Unlock()
}

// Raw returns the stored bytes for key.
func (s *MemoryStore) Raw(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[key]
	return d, ok
}

// Seed stores data without counting it as a write.
func (s *MemoryStore) Seed(key string, data []byte) {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), data...)
	s.mu.Unlock()
}

func (s *MemoryStore) Gets(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[key]
}

func (s *MemoryStore) Puts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *MemoryStore) Removes(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removes[key]
}
