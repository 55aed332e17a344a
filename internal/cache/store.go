package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/ports"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const maxConcurrentRefetches = 4

type Logger interface {
	Printf(format string, args ...any)
}

// Loader fetches the authoritative value for one key.
type Loader func(ctx context.Context) (any, error)

type Options struct {
	// DefaultStaleAfter applies to resources missing from StaleAfter. Zero
	// disables age-based staleness.
	DefaultStaleAfter time.Duration
	StaleAfter        map[string]time.Duration
	Clock             ports.Clock
	Logger            Logger
}

type slot struct {
	value       any
	present     bool
	fetchedAt   time.Time
	invalidated bool
	inFlight    bool

	// writeGen and invalGen let a finishing fetch detect writes and
	// invalidations that happened while it was in flight.
	writeGen uint64
	invalGen uint64

	holds    int
	deferred bool
}

type subscriber struct {
	match    func(Key) bool
	listener func(Event)
}

// Store is the shared entity cache. Values are treated as immutable:
// callers replace them through Write and never mutate what Read returns.
type Store struct {
	clock             ports.Clock
	logger            Logger
	defaultStaleAfter time.Duration
	staleAfter        map[string]time.Duration

	mu          sync.Mutex
	slots       map[Key]*slot
	watches     map[int]*Watch
	subscribers map[int]subscriber
	nextID      int

	fetches singleflight.Group
}

func New(opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = ports.SystemClock{}
	}
	staleAfter := make(map[string]time.Duration, len(opts.StaleAfter))
	for resource, d := range opts.StaleAfter {
		staleAfter[resource] = d
	}

	return &Store{
		clock:             clock,
		logger:            opts.Logger,
		defaultStaleAfter: opts.DefaultStaleAfter,
		staleAfter:        staleAfter,
		slots:             map[Key]*slot{},
		watches:           map[int]*Watch{},
		subscribers:       map[int]subscriber{},
	}
}

func (s *Store) staleAfterFor(key Key) time.Duration {
	if d, ok := s.staleAfter[key.Resource]; ok {
		return d
	}
	return s.defaultStaleAfter
}

func (s *Store) entryLocked(key Key, sl *slot) Entry {
	staleAfter := s.staleAfterFor(key)
	state := StateFresh
	switch {
	case sl.inFlight:
		state = StateInFlight
	case sl.invalidated:
		state = StateStale
	case domain.Freshness{AsOf: sl.fetchedAt}.IsStale(s.clock.Now(), staleAfter):
		state = StateStale
	}
	return Entry{
		Key:        key,
		Value:      sl.value,
		FetchedAt:  sl.fetchedAt,
		StaleAfter: staleAfter,
		State:      state,
	}
}

// Read returns the cached entry without fetching. An entry being refetched
// reports StateInFlight and still carries its previous value.
func (s *Store) Read(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok || !sl.present {
		return Entry{}, false
	}
	return s.entryLocked(key, sl), true
}

func (s *Store) fresh(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok || !sl.present || sl.inFlight {
		return nil, false
	}
	entry := s.entryLocked(key, sl)
	return entry.Value, entry.State == StateFresh
}

// Fetch returns the cached value when fresh. Otherwise it runs loader, at
// most once per key at a time; concurrent callers share the result. The
// loader runs detached from ctx so an abandoning caller does not abort it.
func (s *Store) Fetch(ctx context.Context, key Key, loader Loader) (any, error) {
	if value, ok := s.fresh(key); ok {
		return value, nil
	}
	return s.Refetch(ctx, key, loader)
}

// Refetch loads key regardless of freshness, joining a fetch already in
// flight.
func (s *Store) Refetch(ctx context.Context, key Key, loader Loader) (any, error) {
	detached := context.WithoutCancel(ctx)
	result := s.fetches.DoChan(key.String(), func() (any, error) {
		return s.load(detached, key, loader)
	})

	select {
	case res := <-result:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s: %w", key, ctx.Err())
	}
}

func (s *Store) load(ctx context.Context, key Key, loader Loader) (any, error) {
	s.mu.Lock()
	sl := s.slotLocked(key)
	sl.inFlight = true
	writeGen, invalGen := sl.writeGen, sl.invalGen
	s.mu.Unlock()

	value, err := loader(ctx)

	s.mu.Lock()
	sl = s.slotLocked(key)
	sl.inFlight = false
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	if sl.holds > 0 || sl.writeGen != writeGen {
		// A mutation owns the key or wrote it while we were loading; its
		// value wins and the fetched one is dropped.
		if sl.holds > 0 {
			sl.deferred = true
		}
		current, present := sl.value, sl.present
		s.mu.Unlock()
		if present {
			return current, nil
		}
		return value, nil
	}

	sl.value = value
	sl.present = true
	sl.fetchedAt = s.clock.Now()
	sl.invalidated = sl.invalGen != invalGen
	refetchAgain := sl.invalidated
	watches := s.autoRefetchWatchesLocked(key)
	s.mu.Unlock()

	s.publish(Event{Key: key, Change: ChangeFetched})
	if refetchAgain && len(watches) > 0 {
		// Invalidated mid-flight: start a new load instead of joining this one.
		s.fetches.Forget(key.String())
		s.autoRefetch(watches)
	}
	return value, nil
}

func (s *Store) slotLocked(key Key) *slot {
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}
	return sl
}

// Write replaces the value for key and marks it fresh.
func (s *Store) Write(key Key, value any) {
	s.mu.Lock()
	sl := s.slotLocked(key)
	sl.value = value
	sl.present = true
	sl.fetchedAt = s.clock.Now()
	sl.invalidated = false
	sl.writeGen++
	s.mu.Unlock()

	s.publish(Event{Key: key, Change: ChangeWritten})
}

// Invalidate marks every cached key accepted by match as stale, keeping the
// value for display. Keys held by an unsettled mutation are deferred until
// Release. It returns every matched key.
func (s *Store) Invalidate(match func(Key) bool) []Key {
	var matched, invalidated []Key
	var watches []*Watch

	s.mu.Lock()
	for key, sl := range s.slots {
		if !match(key) {
			continue
		}
		if sl.inFlight {
			sl.invalGen++
		}
		if !sl.present {
			continue
		}
		matched = append(matched, key)
		if sl.holds > 0 {
			sl.deferred = true
			continue
		}
		sl.invalidated = true
		sl.invalGen++
		invalidated = append(invalidated, key)
		watches = append(watches, s.autoRefetchWatchesLocked(key)...)
	}
	s.mu.Unlock()

	for _, key := range invalidated {
		s.publish(Event{Key: key, Change: ChangeInvalidated})
	}
	s.autoRefetch(watches)
	return matched
}

// Hold marks keys as owned by an unsettled mutation.
func (s *Store) Hold(keys []Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.slotLocked(key).holds++
	}
}

// Release drops a hold and replays invalidations deferred while it was held.
func (s *Store) Release(keys []Key) {
	var replayed []Key
	var watches []*Watch

	s.mu.Lock()
	for _, key := range keys {
		sl := s.slotLocked(key)
		if sl.holds > 0 {
			sl.holds--
		}
		if sl.holds > 0 || !sl.deferred {
			continue
		}
		sl.deferred = false
		if !sl.present {
			continue
		}
		sl.invalidated = true
		sl.invalGen++
		replayed = append(replayed, key)
		watches = append(watches, s.autoRefetchWatchesLocked(key)...)
	}
	s.mu.Unlock()

	for _, key := range replayed {
		s.publish(Event{Key: key, Change: ChangeInvalidated})
	}
	s.autoRefetch(watches)
}

type snapshotEntry struct {
	key         Key
	present     bool
	value       any
	fetchedAt   time.Time
	invalidated bool
}

// Snapshot is an exact capture of some keys, including their absence.
type Snapshot struct {
	entries []snapshotEntry
}

func (s *Store) Snapshot(keys []Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{entries: make([]snapshotEntry, 0, len(keys))}
	for _, key := range keys {
		entry := snapshotEntry{key: key}
		if sl, ok := s.slots[key]; ok && sl.present {
			entry.present = true
			entry.value = sl.value
			entry.fetchedAt = sl.fetchedAt
			entry.invalidated = sl.invalidated
		}
		snap.entries = append(snap.entries, entry)
	}
	return snap
}

// Restore puts every captured key back exactly as it was.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	for _, entry := range snap.entries {
		sl := s.slotLocked(entry.key)
		sl.present = entry.present
		sl.value = entry.value
		sl.fetchedAt = entry.fetchedAt
		sl.invalidated = entry.invalidated
		sl.writeGen++
	}
	s.mu.Unlock()

	for _, entry := range snap.entries {
		s.publish(Event{Key: entry.key, Change: ChangeRestored})
	}
}

// Subscribe calls listener for every change to a key accepted by match.
// Listeners run synchronously on the goroutine making the change.
func (s *Store) Subscribe(match func(Key) bool, listener func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = subscriber{match: match, listener: listener}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(event Event) {
	s.mu.Lock()
	listeners := make([]func(Event), 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.match == nil || sub.match(event.Key) {
			listeners = append(listeners, sub.listener)
		}
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// RefetchActive reloads every watched key at or above minPriority. All
// refetches run to completion; the first error is returned.
func (s *Store) RefetchActive(ctx context.Context, minPriority Priority) error {
	s.mu.Lock()
	targets := map[Key]Loader{}
	for _, w := range s.watches {
		if w.opts.Priority < minPriority {
			continue
		}
		if _, ok := targets[w.key]; !ok {
			targets[w.key] = w.loader
		}
	}
	s.mu.Unlock()

	var group errgroup.Group
	group.SetLimit(maxConcurrentRefetches)
	for key, loader := range targets {
		group.Go(func() error {
			_, err := s.Refetch(ctx, key, loader)
			return err
		})
	}
	return group.Wait()
}

func (s *Store) autoRefetchWatchesLocked(key Key) []*Watch {
	var watches []*Watch
	for _, w := range s.watches {
		if w.key == key && w.opts.AutoRefetch {
			watches = append(watches, w)
			break
		}
	}
	return watches
}

func (s *Store) autoRefetch(watches []*Watch) {
	for _, w := range watches {
		go func(w *Watch) {
			if _, err := s.Refetch(context.Background(), w.key, w.loader); err != nil {
				s.logf("cache: refetch %s: %v", w.key, err)
			}
		}(w)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// Fetch is the typed form of Store.Fetch.
func Fetch[T any](ctx context.Context, s *Store, key Key, loader func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := s.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s holds %T, not %T", key, value, zero)
	}
	return typed, nil
}

// Get is the typed form of Store.Read.
func Get[T any](s *Store, key Key) (T, bool) {
	var zero T
	entry, ok := s.Read(key)
	if !ok {
		return zero, false
	}
	typed, ok := entry.Value.(T)
	return typed, ok
}
