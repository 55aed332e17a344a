package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/ports"
)

var (
	_ ports.TokenStore   = (*Store)(nil)
	_ ports.StoreWatcher = (*Store)(nil)
)

// Store keeps tokens in process memory. Nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[int]func()
	nextID   int
}

func New() *Store {
	return &Store{
		values:   map[string]string{},
		watchers: map[int]func(){},
	}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("get %q: %w", key, domain.ErrTokenNotFound)
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if existed {
		s.changed()
	}
	return nil
}

// Watch calls onChange after every write until ctx ends. Callbacks run on
// their own goroutine so writers never block on watchers.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = onChange
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) changed() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.watchers {
		go fn()
	}
}
