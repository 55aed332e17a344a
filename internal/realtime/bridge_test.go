package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	events    chan Event
	sent      chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan Event, 16),
		sent:   make(chan Event, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return Event{}, io.EOF
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, event Event) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.sent <- event
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu       sync.Mutex
	script   []dialResult
	fallback error
	tokens   []string
}

func (d *fakeDialer) Dial(ctx context.Context, accessToken string) (Conn, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, accessToken)
	if len(d.script) == 0 {
		fallback := d.fallback
		d.mu.Unlock()
		if fallback != nil {
			return nil, fallback
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := d.script[0]
	d.script = d.script[1:]
	d.mu.Unlock()

	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

func (d *fakeDialer) dialedWith() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type fakeSession struct {
	mu         sync.Mutex
	token      string
	rotated    string
	refreshErr error
	refreshes  int
	listeners  map[int]func(error)
	next       int
}

func newFakeSession(token string) *fakeSession {
	return &fakeSession{token: token, listeners: map[int]func(error){}}
}

func (s *fakeSession) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) RefreshToken(_ context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.token != stale {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.refreshes++
	if s.refreshErr != nil {
		err := s.refreshErr
		s.mu.Unlock()
		return "", err
	}
	s.token = s.rotated
	token := s.token
	s.mu.Unlock()
	return token, nil
}

func (s *fakeSession) OnLogout(fn func(error)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *fakeSession) logout() {
	s.mu.Lock()
	s.token = ""
	listeners := make([]func(error), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(nil)
	}
}

func (s *fakeSession) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (n *recordingNotifier) Append(notification domain.Notification) {
	n.mu.Lock()
	n.items = append(n.items, notification)
	n.mu.Unlock()
}

func (n *recordingNotifier) received() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.items...)
}

func fastOptions() Options {
	return Options{
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  3,
		PollInterval: 10 * time.Millisecond,
	}
}

func countingLoader(calls *atomic.Int32, value any) cache.Loader {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return value, nil
	}
}

func pushEvent(t *testing.T, name string, room string, payload any) Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{Name: name, Room: room, Data: data}
}

func awaitSent(t *testing.T, conn *fakeConn) Event {
	t.Helper()
	select {
	case ev := <-conn.sent:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no control message sent")
		return Event{}
	}
}

func assertNothingSent(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case ev := <-conn.sent:
		t.Fatalf("unexpected control message %s", ev.Name)
	case <-time.After(20 * time.Millisecond):
	}
}

func controlRoom(t *testing.T, ev Event) string {
	t.Helper()
	var body roomControl
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	return body.Room
}

func startBridge(t *testing.T, bridge *Bridge) {
	t.Helper()
	require.NoError(t, bridge.Start(context.Background()))
	t.Cleanup(bridge.Stop)
}

func TestStartRequiresSession(t *testing.T) {
	t.Parallel()

	bridge := New(&fakeDialer{}, newFakeSession(""), cache.New(cache.Options{}), nil, fastOptions())

	err := bridge.Start(context.Background())

	require.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, StateDisconnected, bridge.State())
}

func TestBridgeRejoinsRoomsAndResyncsOnReconnect(t *testing.T) {
	t.Parallel()

	store := cache.New(cache.Options{})
	var loads atomic.Int32
	watch := store.Watch(keys.ProjectTasks(7), countingLoader(&loads, []domain.Task{}), cache.WatchOptions{})
	defer watch.Dispose()

	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{script: []dialResult{{conn: first}, {conn: second}}}
	bridge := New(dialer, newFakeSession("a1"), store, nil, fastOptions())
	membership := bridge.JoinProject(7)
	defer membership.Dispose()

	startBridge(t, bridge)

	joined := awaitSent(t, first)
	assert.Equal(t, EventJoinRoom, joined.Name)
	assert.Equal(t, "project_7", controlRoom(t, joined))
	require.Eventually(t, func() bool { return loads.Load() >= 1 }, waitFor, time.Millisecond)

	before := loads.Load()
	require.NoError(t, first.Close())

	rejoined := awaitSent(t, second)
	assert.Equal(t, EventJoinRoom, rejoined.Name)
	assert.Equal(t, "project_7", controlRoom(t, rejoined))
	require.Eventually(t, func() bool { return loads.Load() > before }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return bridge.State() == StateConnected }, waitFor, time.Millisecond)
}

func TestBridgeDropsEventsForUnjoinedRooms(t *testing.T) {
	t.Parallel()

	store := cache.New(cache.Options{})
	store.Write(keys.ProjectTasks(7), []domain.Task{})
	store.Write(keys.ProjectTasks(8), []domain.Task{})

	invalidated := make(chan cache.Key, 8)
	unsubscribe := store.Subscribe(nil, func(ev cache.Event) {
		if ev.Change == cache.ChangeInvalidated {
			invalidated <- ev.Key
		}
	})
	defer unsubscribe()

	conn := newFakeConn()
	bridge := New(&fakeDialer{script: []dialResult{{conn: conn}}}, newFakeSession("a1"), store, nil, fastOptions())
	membership := bridge.JoinProject(7)
	defer membership.Dispose()
	startBridge(t, bridge)
	awaitSent(t, conn)

	conn.events <- pushEvent(t, EventTaskCreated, "project_8", map[string]any{"task": map[string]any{"id": 1, "project_id": 8}})
	conn.events <- pushEvent(t, EventTaskCreated, "project_7", map[string]any{"task": map[string]any{"id": 2, "project_id": 7}})

	select {
	case key := <-invalidated:
		assert.Equal(t, keys.ProjectTasks(7), key)
	case <-time.After(waitFor):
		t.Fatal("joined room event was not applied")
	}

	entry, ok := store.Read(keys.ProjectTasks(8))
	require.True(t, ok)
	assert.Equal(t, cache.StateFresh, entry.State)
}

func TestEffectForTargetsOnlyAffectedKeys(t *testing.T) {
	t.Parallel()

	all := []cache.Key{
		keys.Projects(),
		keys.Project(7),
		keys.Project(8),
		keys.ProjectTasks(7),
		keys.ProjectTasks(8),
		keys.MyTasks(),
		keys.Task(3),
		keys.Task(4),
		keys.Comments(3),
		keys.Comments(4),
		keys.Members(7),
		keys.Members(8),
		keys.Notifications(),
	}

	tests := []struct {
		name    string
		event   Event
		touched []cache.Key
	}{
		{
			name:    "task created",
			event:   pushEvent(t, EventTaskCreated, "project_7", map[string]any{"task": map[string]any{"id": 3, "project_id": 7}}),
			touched: []cache.Key{keys.ProjectTasks(7), keys.MyTasks()},
		},
		{
			name:    "task updated",
			event:   pushEvent(t, EventTaskUpdated, "project_7", map[string]any{"task": map[string]any{"id": 3, "project_id": 7}}),
			touched: []cache.Key{keys.ProjectTasks(7), keys.MyTasks(), keys.Task(3)},
		},
		{
			name:    "task deleted resolves project from room",
			event:   pushEvent(t, EventTaskDeleted, "project_8", map[string]any{"task_id": 4}),
			touched: []cache.Key{keys.ProjectTasks(8), keys.MyTasks(), keys.Task(4)},
		},
		{
			name:    "task deleted without project touches every list",
			event:   pushEvent(t, EventTaskDeleted, "", map[string]any{"task_id": 4}),
			touched: []cache.Key{keys.ProjectTasks(7), keys.ProjectTasks(8), keys.MyTasks(), keys.Task(4)},
		},
		{
			name:    "comment added",
			event:   pushEvent(t, EventCommentAdded, "project_7", map[string]any{"task_id": 3, "comment": map[string]any{"id": 1}}),
			touched: []cache.Key{keys.Comments(3), keys.Task(3)},
		},
		{
			name:    "member added",
			event:   pushEvent(t, EventMemberAdded, "project_8", map[string]any{"member": map[string]any{"user_id": 5}}),
			touched: []cache.Key{keys.Members(8), keys.Project(8)},
		},
		{
			name:    "member removed",
			event:   pushEvent(t, EventMemberRemoved, "project_7", map[string]any{"user_id": 5}),
			touched: []cache.Key{keys.Members(7), keys.Project(7)},
		},
		{
			name:    "project updated",
			event:   pushEvent(t, EventProjectUpdated, "", map[string]any{"project": map[string]any{"id": 8}}),
			touched: []cache.Key{keys.Project(8), keys.Projects()},
		},
		{
			name:    "notification",
			event:   pushEvent(t, EventNotification, "", map[string]any{"id": 9, "type": "task_assigned", "title": "t"}),
			touched: []cache.Key{keys.Notifications()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			eff, known, err := effectFor(tt.event)
			require.NoError(t, err)
			require.True(t, known)
			require.NotNil(t, eff.invalidate)

			var got []cache.Key
			for _, key := range all {
				if eff.invalidate(key) {
					got = append(got, key)
				}
			}
			assert.ElementsMatch(t, tt.touched, got)
		})
	}
}

func TestEffectForIgnoresUnknownEventsAndRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	_, known, err := effectFor(Event{Name: "user_typing"})
	require.NoError(t, err)
	assert.False(t, known)

	_, known, err = effectFor(Event{Name: EventCommentAdded, Data: json.RawMessage(`{}`)})
	assert.True(t, known)
	require.Error(t, err)

	_, _, err = effectFor(Event{Name: EventNotification, Data: json.RawMessage(`"nope"`)})
	require.Error(t, err)
}

func TestBridgeAppendsPushedNotifications(t *testing.T) {
	t.Parallel()

	store := cache.New(cache.Options{})
	store.Write(keys.Notifications(), domain.NotificationState{})
	notifier := &recordingNotifier{}
	conn := newFakeConn()
	bridge := New(&fakeDialer{script: []dialResult{{conn: conn}}}, newFakeSession("a1"), store, notifier, fastOptions())
	startBridge(t, bridge)
	require.Eventually(t, func() bool { return bridge.State() == StateConnected }, waitFor, time.Millisecond)

	conn.events <- pushEvent(t, EventNotification, "", map[string]any{"id": 9, "type": "task_assigned", "title": "Assigned"})

	require.Eventually(t, func() bool { return len(notifier.received()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, domain.NotificationID(9), notifier.received()[0].ID)
}

func TestBridgePollsHighPriorityWatchesWhileDisconnected(t *testing.T) {
	t.Parallel()

	store := cache.New(cache.Options{})
	var high, normal atomic.Int32
	hw := store.Watch(keys.Notifications(), countingLoader(&high, domain.NotificationState{}), cache.WatchOptions{Priority: cache.PriorityHigh})
	defer hw.Dispose()
	nw := store.Watch(keys.Projects(), countingLoader(&normal, []domain.Project{}), cache.WatchOptions{})
	defer nw.Dispose()

	dialer := &fakeDialer{fallback: errors.New("connection refused")}
	bridge := New(dialer, newFakeSession("a1"), store, nil, fastOptions())
	startBridge(t, bridge)

	// Polling keeps going after reconnect attempts are exhausted.
	require.Eventually(t, func() bool { return len(dialer.dialedWith()) == 3 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return high.Load() >= 3 }, waitFor, time.Millisecond)
	assert.Zero(t, normal.Load())
	assert.Len(t, dialer.dialedWith(), 3)
	assert.Equal(t, StateDisconnected, bridge.State())
}

func TestBridgeTreatsHungHandshakeAsFailedAttempt(t *testing.T) {
	t.Parallel()

	store := cache.New(cache.Options{})
	var high atomic.Int32
	hw := store.Watch(keys.Notifications(), countingLoader(&high, domain.NotificationState{}), cache.WatchOptions{Priority: cache.PriorityHigh})
	defer hw.Dispose()

	// Every dial blocks until its context ends.
	dialer := &fakeDialer{}
	opts := fastOptions()
	opts.DialTimeout = 20 * time.Millisecond
	bridge := New(dialer, newFakeSession("a1"), store, nil, opts)
	startBridge(t, bridge)

	require.Eventually(t, func() bool { return len(dialer.dialedWith()) == 3 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return high.Load() >= 2 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return bridge.State() == StateDisconnected }, waitFor, time.Millisecond)
	assert.Len(t, dialer.dialedWith(), 3)
}

func TestBridgeRefreshesOnceWhenHandshakeIsRejected(t *testing.T) {
	t.Parallel()

	session := newFakeSession("a1")
	session.rotated = "a2"
	conn := newFakeConn()
	dialer := &fakeDialer{script: []dialResult{
		{err: fmt.Errorf("dial: %w", ErrUnauthorized)},
		{conn: conn},
	}}
	bridge := New(dialer, session, cache.New(cache.Options{}), nil, fastOptions())
	startBridge(t, bridge)

	require.Eventually(t, func() bool { return bridge.State() == StateConnected }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"a1", "a2"}, dialer.dialedWith())
	assert.Equal(t, 1, session.refreshCount())
}

func TestBridgeStopsWhenHandshakeRefreshFails(t *testing.T) {
	t.Parallel()

	session := newFakeSession("a1")
	session.refreshErr = domain.ErrSessionExpired
	dialer := &fakeDialer{script: []dialResult{{err: ErrUnauthorized}}}
	bridge := New(dialer, session, cache.New(cache.Options{}), nil, fastOptions())
	require.NoError(t, bridge.Start(context.Background()))
	done := bridge.Done()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("bridge kept running after refresh failure")
	}
	assert.Equal(t, StateDisconnected, bridge.State())
	assert.Len(t, dialer.dialedWith(), 1)
}

func TestBridgeStopsOnLogout(t *testing.T) {
	t.Parallel()

	session := newFakeSession("a1")
	conn := newFakeConn()
	bridge := New(&fakeDialer{script: []dialResult{{conn: conn}}}, session, cache.New(cache.Options{}), nil, fastOptions())
	require.NoError(t, bridge.Start(context.Background()))
	done := bridge.Done()
	require.Eventually(t, func() bool { return bridge.State() == StateConnected }, waitFor, time.Millisecond)

	session.logout()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("bridge kept running after logout")
	}
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateDisconnected, bridge.State())

	session.mu.Lock()
	listeners := len(session.listeners)
	session.mu.Unlock()
	assert.Zero(t, listeners)
}

func TestMembershipIsReferenceCounted(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	bridge := New(&fakeDialer{script: []dialResult{{conn: conn}}}, newFakeSession("a1"), cache.New(cache.Options{}), nil, fastOptions())
	startBridge(t, bridge)
	require.Eventually(t, func() bool { return bridge.State() == StateConnected }, waitFor, time.Millisecond)

	first := bridge.Join("project_3")
	joined := awaitSent(t, conn)
	assert.Equal(t, EventJoinRoom, joined.Name)
	assert.Equal(t, "project_3", controlRoom(t, joined))

	second := bridge.Join("project_3")
	assertNothingSent(t, conn)

	first.Dispose()
	first.Dispose()
	assertNothingSent(t, conn)
	assert.Equal(t, []string{"project_3"}, bridge.Rooms())

	second.Dispose()
	left := awaitSent(t, conn)
	assert.Equal(t, EventLeaveRoom, left.Name)
	assert.Equal(t, "project_3", second.Room())
	assert.Empty(t, bridge.Rooms())
}

func TestRetryDelayDoublesUpToMax(t *testing.T) {
	t.Parallel()

	bridge := New(nil, nil, nil, nil, Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	assert.Equal(t, 100*time.Millisecond, bridge.retryDelay(1))
	assert.Equal(t, 200*time.Millisecond, bridge.retryDelay(2))
	assert.Equal(t, 800*time.Millisecond, bridge.retryDelay(4))
	assert.Equal(t, time.Second, bridge.retryDelay(5))
	assert.Equal(t, time.Second, bridge.retryDelay(30))
}
