package cache

import (
	"context"
	"sync"
)

type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityHigh watches are kept fresh by polling while push is down.
	PriorityHigh
)

type WatchOptions struct {
	// AutoRefetch reloads the key in the background after it is invalidated.
	AutoRefetch bool
	Priority    Priority
}

// Watch is an active subscription to one key. Watched keys are what reconnect
// resync and polling refresh.
type Watch struct {
	store  *Store
	id     int
	key    Key
	loader Loader
	opts   WatchOptions

	disposeOnce sync.Once
}

func (s *Store) Watch(key Key, loader Loader, opts WatchOptions) *Watch {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	w := &Watch{store: s, id: id, key: key, loader: loader, opts: opts}
	s.watches[id] = w
	return w
}

func (w *Watch) Key() Key {
	return w.key
}

// Fetch reads through the cache with the watch's loader.
func (w *Watch) Fetch(ctx context.Context) (any, error) {
	return w.store.Fetch(ctx, w.key, w.loader)
}

func (w *Watch) Dispose() {
	w.disposeOnce.Do(func() {
		w.store.mu.Lock()
		delete(w.store.watches, w.id)
		w.store.mu.Unlock()
	})
}

// Watching reports how many active watches target key.
func (s *Store) Watching(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, w := range s.watches {
		if w.key == key {
			count++
		}
	}
	return count
}
