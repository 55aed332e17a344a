package mutation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/google/uuid"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Policy int

const (
	// PolicyMerge writes the server's authoritative values returned by
	// Reconcile.
	PolicyMerge Policy = iota
	// PolicyInvalidate marks the affected keys stale so watchers refetch.
	PolicyInvalidate
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusSettled    Status = "settled"
	StatusRolledBack Status = "rolled_back"
)

// Mutation describes one optimistic write.
type Mutation struct {
	Name string
	Keys []cache.Key
	// Patch derives optimistic values from the current cached values of Keys.
	// Keys without a cached value are absent from current. Values for keys
	// outside Keys are ignored.
	Patch func(current map[cache.Key]any) map[cache.Key]any
	// Commit performs the server call. It runs detached from the caller.
	Commit func(ctx context.Context) (any, error)
	Policy Policy
	// Reconcile maps the server result to authoritative cache values under
	// PolicyMerge. Returning an error, domain.ErrConflict included, rolls
	// the mutation back.
	Reconcile func(result any) (map[cache.Key]any, error)
	// AlsoInvalidate matches further keys to mark stale once the mutation
	// settles, such as collections containing the mutated entity.
	AlsoInvalidate func(cache.Key) bool
}

type PendingMutation struct {
	ID     string
	Name   string
	Keys   []cache.Key
	Status Status
}

type outcome struct {
	value any
	err   error
}

// Coordinator serializes mutations per key: a mutation waits for every
// earlier mutation sharing a key to settle or roll back before it patches,
// so settlement order per key equals dispatch order.
type Coordinator struct {
	cache  *cache.Store
	logger Logger

	mu      sync.Mutex
	tails   map[cache.Key]chan struct{}
	pending map[string]*PendingMutation
	running sync.WaitGroup
}

func New(store *cache.Store, logger Logger) *Coordinator {
	return &Coordinator{
		cache:   store,
		logger:  logger,
		tails:   map[cache.Key]chan struct{}{},
		pending: map[string]*PendingMutation{},
	}
}

// Mutate applies m optimistically and settles it against the server. If ctx
// ends first the caller gets ctx's error while the mutation still settles or
// rolls back in the background.
func (c *Coordinator) Mutate(ctx context.Context, m Mutation) (any, error) {
	if len(m.Keys) == 0 {
		return nil, errors.New("mutation has no keys")
	}
	if m.Commit == nil {
		return nil, errors.New("mutation has no commit")
	}
	keys := uniqueKeys(m.Keys)

	done := make(chan struct{})
	pending := &PendingMutation{ID: uuid.NewString(), Name: m.Name, Keys: keys, Status: StatusPending}

	c.mu.Lock()
	var waits []chan struct{}
	for _, key := range keys {
		if previous, ok := c.tails[key]; ok {
			waits = append(waits, previous)
		}
		c.tails[key] = done
	}
	c.pending[pending.ID] = pending
	c.running.Add(1)
	c.mu.Unlock()

	result := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer c.running.Done()
		for _, wait := range waits {
			<-wait
		}
		value, err := c.settle(detached, m, keys, pending)
		c.finish(pending, keys, done)
		result <- outcome{value: value, err: err}
	}()

	select {
	case out := <-result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", m.Name, ctx.Err())
	}
}

func (c *Coordinator) settle(ctx context.Context, m Mutation, keys []cache.Key, pending *PendingMutation) (any, error) {
	c.cache.Hold(keys)
	defer c.cache.Release(keys)

	snapshot := c.cache.Snapshot(keys)
	if m.Patch != nil {
		current := make(map[cache.Key]any, len(keys))
		for _, key := range keys {
			if entry, ok := c.cache.Read(key); ok {
				current[key] = entry.Value
			}
		}
		for key, value := range m.Patch(current) {
			if !slices.Contains(keys, key) {
				c.logf("mutation %s %s: ignoring patch for undeclared key %s", m.Name, pending.ID, key)
				continue
			}
			c.cache.Write(key, value)
		}
	}

	value, err := m.Commit(ctx)
	if err == nil && m.Policy == PolicyMerge && m.Reconcile != nil {
		var values map[cache.Key]any
		values, err = m.Reconcile(value)
		if err == nil {
			for key, v := range values {
				c.cache.Write(key, v)
			}
		}
	}
	if err != nil {
		c.cache.Restore(snapshot)
		c.setStatus(pending, StatusRolledBack)
		c.logf("mutation %s %s rolled back: %v", m.Name, pending.ID, err)
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}

	if m.Policy == PolicyInvalidate {
		// Held keys are deferred and replay when Release runs.
		c.cache.Invalidate(cache.Exactly(keys...))
	}
	if m.AlsoInvalidate != nil {
		c.cache.Invalidate(m.AlsoInvalidate)
	}
	c.setStatus(pending, StatusSettled)
	return value, nil
}

func (c *Coordinator) finish(pending *PendingMutation, keys []cache.Key, done chan struct{}) {
	c.mu.Lock()
	for _, key := range keys {
		if c.tails[key] == done {
			delete(c.tails, key)
		}
	}
	delete(c.pending, pending.ID)
	c.mu.Unlock()
	close(done)
}

func (c *Coordinator) setStatus(pending *PendingMutation, status Status) {
	c.mu.Lock()
	pending.Status = status
	c.mu.Unlock()
}

// Pending lists mutations that have not settled yet.
func (c *Coordinator) Pending() []PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingMutation, 0, len(c.pending))
	for _, p := range c.pending {
		copied := *p
		copied.Keys = append([]cache.Key(nil), p.Keys...)
		out = append(out, copied)
	}
	return out
}

// Drain waits until every dispatched mutation has settled or rolled back.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain mutations: %w", ctx.Err())
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// Run is the typed form of Coordinator.Mutate.
func Run[T any](ctx context.Context, c *Coordinator, m Mutation) (T, error) {
	var zero T
	value, err := c.Mutate(ctx, m)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%s returned %T, not %T", m.Name, value, zero)
	}
	return typed, nil
}

func uniqueKeys(keys []cache.Key) []cache.Key {
	seen := make(map[cache.Key]struct{}, len(keys))
	out := make([]cache.Key, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
