package persistence

import (
	"context"
	"strings"
	"sync"
)

const subscriberBuffer = 16

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	values      map[string]map[string]any
	subscribers map[string]map[chan []byte]struct{}
	closed      bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:      make(map[string]map[string]any),
		subscribers: make(map[string]map[chan []byte]struct{}),
	}
}

// Get returns a copy of the stored map.
func (s *MemoryStore) Get(_ context.Context, key string, scope ...string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.values[Key(key, scope...)]
	if !ok {
		return map[string]any{}, nil
	}
	return cloneMap(stored), nil
}

// Set merges value into the stored map.
func (s *MemoryStore) Set(_ context.Context, key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.values[key]
	if !ok {
		stored = make(map[string]any, len(value))
		s.values[key] = stored
	}
	for k, v := range value {
		stored[k] = v
	}
	return nil
}

// GetPattern returns every key starting with prefix.
func (s *MemoryStore) GetPattern(_ context.Context, prefix string) (map[string]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any)
	for key, value := range s.values {
		if strings.HasPrefix(key, prefix) {
			out[key] = cloneMap(value)
		}
	}
	return out, nil
}

// Publish delivers payload to current subscribers without blocking.
func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener until ctx is done.
func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	set, ok := s.subscribers[channel]
	if !ok {
		set = make(map[chan []byte]struct{})
		s.subscribers[channel] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[channel][ch]; ok {
			delete(s.subscribers[channel], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close drops every subscriber.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for channel, set := range s.subscribers {
		for ch := range set {
			close(ch)
		}
		delete(s.subscribers, channel)
	}
	return nil
}
