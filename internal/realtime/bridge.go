package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/keys"
)

const (
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPollInterval = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// Session is the part of the session manager the bridge needs.
type Session interface {
	AccessToken() string
	RefreshToken(ctx context.Context, stale string) (string, error)
	OnLogout(fn func(cause error)) func()
}

// Notifier receives pushed notifications.
type Notifier interface {
	Append(notification domain.Notification)
}

type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive failed reconnects; afterwards the bridge
	// stops dialing and relies on polling until Stop.
	MaxAttempts  int
	PollInterval time.Duration
	// DialTimeout bounds each connect attempt; a timed out attempt counts as
	// a failure.
	DialTimeout time.Duration
	Logger      Logger
}

type Bridge struct {
	dialer   Dialer
	session  Session
	cache    *cache.Store
	notifier Notifier
	opts     Options

	mu             sync.Mutex
	state          State
	conn           Conn
	rooms          map[string]int
	stateListeners map[int]func(State)
	nextListener   int
	cancel         context.CancelFunc
	done           chan struct{}
	pollCancel     context.CancelFunc
	unsubscribe    func()
}

func New(dialer Dialer, session Session, store *cache.Store, notifier Notifier, opts Options) *Bridge {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	return &Bridge{
		dialer:         dialer,
		session:        session,
		cache:          store,
		notifier:       notifier,
		opts:           opts,
		rooms:          map[string]int{},
		stateListeners: map[int]func(State){},
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers fn for every state transition.
func (b *Bridge) OnStateChange(fn func(State)) func() {
	b.mu.Lock()
	id := b.nextListener
	b.nextListener++
	b.stateListeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.stateListeners, id)
		b.mu.Unlock()
	}
}

// Start begins connecting in the background. It requires a session and is a
// no-op while already running. Logging out stops the bridge.
func (b *Bridge) Start(ctx context.Context) error {
	if b.session.AccessToken() == "" {
		return domain.ErrSessionExpired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.unsubscribe = b.session.OnLogout(func(error) {
		// Runs on the goroutine that ended the session, which may be this
		// bridge's own refresh; cancel without waiting.
		cancel()
	})

	go b.run(runCtx, b.done)
	return nil
}

// Stop ends the connection and polling and waits for the loop to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if done == nil {
		return
	}

	cancel()
	<-done
}

// Done is closed when the background loop exits, including after logout.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.done
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer b.exit(done)

	attempt := 0
	refreshed := false
	for ctx.Err() == nil {
		b.setState(StateConnecting)
		token := b.session.AccessToken()
		conn, err := b.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) && !refreshed {
				refreshed = true
				if _, err := b.session.RefreshToken(ctx, token); err != nil {
					b.logf("realtime: handshake rejected and refresh failed, stopping: %v", err)
					return
				}
				continue
			}

			attempt++
			b.setState(StateDisconnected)
			b.startPolling(ctx)
			if attempt >= b.opts.MaxAttempts {
				b.logf("realtime: giving up after %d connection attempts: %v", attempt, err)
				<-ctx.Done()
				return
			}
			b.logf("realtime: connect attempt %d failed: %v", attempt, err)
			if waitWithContext(ctx, b.retryDelay(attempt)) != nil {
				return
			}
			continue
		}

		attempt = 0
		refreshed = false
		err = b.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		b.logf("realtime: connection lost: %v", err)
		b.setState(StateDisconnected)
		b.startPolling(ctx)
		if waitWithContext(ctx, b.retryDelay(1)) != nil {
			return
		}
	}
}

func (b *Bridge) dial(ctx context.Context, token string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	defer cancel()

	conn, err := b.dialer.Dial(dialCtx, token)
	if err != nil {
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("dial timed out after %s: %w", b.opts.DialTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}

func (b *Bridge) exit(done chan struct{}) {
	b.stopPolling()
	b.setState(StateDisconnected)

	b.mu.Lock()
	var unsubscribe func()
	if b.done == done {
		unsubscribe = b.unsubscribe
		b.cancel, b.done, b.unsubscribe = nil, nil, nil
	}
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	close(done)
}

// serve runs one connection: rejoin rooms, resync, then dispatch events
// until the connection fails.
func (b *Bridge) serve(ctx context.Context, conn Conn) error {
	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		_ = conn.Close()
	}()

	b.mu.Lock()
	b.conn = conn
	rooms := make([]string, 0, len(b.rooms))
	for room := range b.rooms {
		rooms = append(rooms, room)
	}
	b.mu.Unlock()

	for _, room := range rooms {
		if err := conn.Send(ctx, controlEvent(EventJoinRoom, room)); err != nil {
			return fmt.Errorf("rejoin %s: %w", room, err)
		}
	}

	b.stopPolling()
	b.setState(StateConnected)

	// Events missed while disconnected cannot be replayed.
	go func() {
		if err := b.cache.RefetchActive(ctx, cache.PriorityNormal); err != nil && ctx.Err() == nil {
			b.logf("realtime: resync: %v", err)
		}
	}()

	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			return err
		}
		b.dispatch(ev)
	}
}

func (b *Bridge) dispatch(ev Event) {
	if ev.Room != "" && !b.joined(ev.Room) {
		return
	}

	eff, known, err := effectFor(ev)
	if err != nil {
		b.logf("realtime: %v", err)
		return
	}
	if !known {
		return
	}

	if eff.notification != nil && b.notifier != nil {
		b.notifier.Append(*eff.notification)
	}
	if eff.invalidate != nil {
		b.cache.Invalidate(eff.invalidate)
	}
}

func (b *Bridge) joined(room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[room] > 0
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	listeners := make([]func(State), 0, len(b.stateListeners))
	for _, fn := range b.stateListeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (b *Bridge) startPolling(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollCancel != nil {
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	go b.poll(pollCtx)
}

func (b *Bridge) stopPolling() {
	b.mu.Lock()
	cancel := b.pollCancel
	b.pollCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bridge) poll(ctx context.Context) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.cache.RefetchActive(ctx, cache.PriorityHigh); err != nil && ctx.Err() == nil {
				b.logf("realtime: poll: %v", err)
			}
		}
	}
}

func (b *Bridge) retryDelay(attempt int) time.Duration {
	delay := b.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.opts.MaxDelay {
			return b.opts.MaxDelay
		}
	}
	if delay > b.opts.MaxDelay {
		return b.opts.MaxDelay
	}
	return delay
}

func (b *Bridge) logf(format string, args ...any) {
	if b.opts.Logger == nil {
		return
	}
	b.opts.Logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JoinProject is Join for a project's room.
func (b *Bridge) JoinProject(projectID int64) *Membership {
	return b.Join(keys.ProjectRoom(projectID))
}
