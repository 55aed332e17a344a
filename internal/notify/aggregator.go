// Package notify keeps the one shared view of the user's notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/bnema/tasksync/internal/ports"
)

const (
	listPath    = "api/notifications"
	readAllPath = "api/notifications/read-all"
)

type Logger interface {
	Printf(format string, args ...any)
}

type listResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

// Aggregator owns the notification state every consumer shares. The state
// lives in the cache under keys.Notifications(), watched at high priority so
// polling and reconnect resync keep it current; pushes never trigger a fetch.
type Aggregator struct {
	sender gateway.Sender
	cache  *cache.Store
	clock  ports.Clock
	logger Logger
	watch  *cache.Watch

	// mu serializes read-modify-write of the cached state.
	mu sync.Mutex
	// Local edits made while a load is in flight are journaled and replayed
	// onto the server list when it arrives.
	loading int
	seq     int
	journal []edit
}

type edit struct {
	seq   int
	apply func(items []domain.Notification) []domain.Notification
}

func New(sender gateway.Sender, store *cache.Store, clock ports.Clock, logger Logger) *Aggregator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	a := &Aggregator{sender: sender, cache: store, clock: clock, logger: logger}
	a.watch = store.Watch(keys.Notifications(), a.load, cache.WatchOptions{Priority: cache.PriorityHigh})
	return a
}

// Close stops polling and resync for notifications.
func (a *Aggregator) Close() {
	a.watch.Dispose()
}

func (a *Aggregator) load(ctx context.Context) (any, error) {
	a.mu.Lock()
	a.loading++
	mark := a.seq
	a.mu.Unlock()

	resp, err := gateway.Do[listResponse](ctx, a.sender, gateway.Request{Method: http.MethodGet, Path: listPath})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loading--
	pending := a.journal
	if a.loading == 0 {
		a.journal = nil
	}
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	items := resp.Notifications
	replayed := false
	for _, e := range pending {
		if e.seq > mark {
			items = e.apply(items)
			replayed = true
		}
	}
	state := newState(items, a.clock)
	if replayed {
		// The cache keeps a value written during the load over the loaded
		// one, so the merged list has to be written too.
		a.cache.Write(keys.Notifications(), state)
	}
	return state, nil
}

// Refresh replaces the state with the server's list.
func (a *Aggregator) Refresh(ctx context.Context) (domain.NotificationState, error) {
	value, err := a.cache.Refetch(ctx, keys.Notifications(), a.load)
	if err != nil {
		return domain.NotificationState{}, err
	}
	state, ok := value.(domain.NotificationState)
	if !ok {
		return domain.NotificationState{}, fmt.Errorf("notification state has type %T", value)
	}
	return state, nil
}

// State returns the current shared state without fetching.
func (a *Aggregator) State() domain.NotificationState {
	state, _ := cache.Get[domain.NotificationState](a.cache, keys.Notifications())
	return state
}

// Subscribe calls listener with the new state after every change.
func (a *Aggregator) Subscribe(listener func(domain.NotificationState)) func() {
	return a.cache.Subscribe(cache.Exactly(keys.Notifications()), func(ev cache.Event) {
		if ev.Change == cache.ChangeInvalidated {
			return
		}
		listener(a.State())
	})
}

// Append adds a pushed notification. A notification already present is
// replaced rather than duplicated.
func (a *Aggregator) Append(notification domain.Notification) {
	a.update(func(items []domain.Notification) []domain.Notification {
		for i, item := range items {
			if item.ID == notification.ID {
				items[i] = notification
				return items
			}
		}
		return append([]domain.Notification{notification}, items...)
	})
}

// MarkRead flips one notification to read locally, then tells the server.
// A failed server call is logged and the local flip kept.
func (a *Aggregator) MarkRead(ctx context.Context, id domain.NotificationID) error {
	next := a.update(func(items []domain.Notification) []domain.Notification {
		for i := range items {
			if items[i].ID == id {
				items[i].IsRead = true
			}
		}
		return items
	})
	if !contains(next.Items, id) {
		return fmt.Errorf("mark notification %d read: %w", id, domain.ErrNotFound)
	}

	path := listPath + "/" + strconv.FormatInt(int64(id), 10) + "/read"
	if _, err := a.sender.Send(ctx, gateway.Request{Method: http.MethodPatch, Path: path}); err != nil {
		a.logf("notify: mark %d read: %v", id, err)
		if errors.Is(err, domain.ErrSessionExpired) {
			return err
		}
	}
	return nil
}

// MarkAllRead flips every notification to read locally, then tells the
// server. Failures are handled as in MarkRead.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	a.update(func(items []domain.Notification) []domain.Notification {
		for i := range items {
			items[i].IsRead = true
		}
		return items
	})

	if _, err := a.sender.Send(ctx, gateway.Request{Method: http.MethodPatch, Path: readAllPath}); err != nil {
		a.logf("notify: mark all read: %v", err)
		if errors.Is(err, domain.ErrSessionExpired) {
			return err
		}
	}
	return nil
}

// update applies fn to a copy of the items and writes the result back.
// Local edits do not count as a sync.
func (a *Aggregator) update(fn func(items []domain.Notification) []domain.Notification) domain.NotificationState {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	if a.loading > 0 {
		a.journal = append(a.journal, edit{seq: a.seq, apply: fn})
	}

	current := a.State()
	items := append([]domain.Notification(nil), current.Items...)
	next := newState(fn(items), a.clock)
	next.LastSyncedAt = current.LastSyncedAt
	a.cache.Write(keys.Notifications(), next)
	return next
}

func contains(items []domain.Notification, id domain.NotificationID) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func newState(items []domain.Notification, clock ports.Clock) domain.NotificationState {
	sorted := append([]domain.Notification(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return domain.NotificationState{
		Items:        sorted,
		UnreadCount:  domain.UnreadCount(sorted),
		LastSyncedAt: clock.Now(),
	}
}
