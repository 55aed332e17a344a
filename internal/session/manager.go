package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/ports"
	"golang.org/x/sync/singleflight"
)

const (
	TokensKey             = "session/tokens"
	DefaultRefreshTimeout = 15 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Option func(*Manager)

func WithClock(clock ports.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithRefreshTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.refreshTimeout = timeout
		}
	}
}

// Manager owns the token pair for one signed-in user. Every replacement of
// the access token (login, refresh, logout) bumps the epoch; work started
// under an older epoch never overwrites newer state.
type Manager struct {
	auth           ports.AuthAPI
	store          ports.TokenStore
	clock          ports.Clock
	logger         Logger
	refreshTimeout time.Duration

	mu      sync.RWMutex
	session domain.Session
	epoch   uint64

	// persistMu orders writes to the token store with the epoch checks.
	persistMu sync.Mutex
	refreshes singleflight.Group

	listenersMu  sync.Mutex
	listeners    map[int]func(cause error)
	nextListener int
}

func New(auth ports.AuthAPI, store ports.TokenStore, opts ...Option) *Manager {
	m := &Manager{
		auth:           auth,
		store:          store,
		clock:          ports.SystemClock{},
		refreshTimeout: DefaultRefreshTimeout,
		listeners:      map[int]func(cause error){},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads persisted tokens. A missing or unreadable blob leaves the
// manager logged out.
func (m *Manager) Init(ctx context.Context) error {
	raw, err := m.store.Get(ctx, TokensKey)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return nil
		}
		return fmt.Errorf("load session tokens: %w", err)
	}

	session, err := domain.DecodeSession(raw)
	if err != nil {
		m.logf("session: discarding persisted tokens: %v", err)
		return nil
	}

	m.mu.Lock()
	m.session = session
	m.epoch++
	m.mu.Unlock()
	return nil
}

func (m *Manager) Login(ctx context.Context, credentials domain.Credentials) (domain.Session, error) {
	grant, err := m.auth.Login(ctx, credentials)
	if err != nil {
		return domain.Session{}, fmt.Errorf("login: %w", err)
	}
	if grant.AccessToken == "" {
		return domain.Session{}, fmt.Errorf("login: response missing access_token")
	}

	session := domain.SessionFromGrant(grant, m.clock.Now())
	raw, err := domain.EncodeSession(session)
	if err != nil {
		return domain.Session{}, err
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.store.Set(ctx, TokensKey, raw); err != nil {
		return domain.Session{}, fmt.Errorf("persist session tokens: %w", err)
	}

	m.mu.Lock()
	previous := m.epoch
	m.session = session
	m.epoch++
	m.mu.Unlock()
	m.refreshes.Forget(epochKey(previous))

	return session, nil
}

// AccessToken returns the current access token, or "" when logged out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.AccessToken
}

func (m *Manager) LoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Valid()
}

func (m *Manager) Current() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// ExpiringSoon reports whether the current token's expiry estimate is within
// skew. Sessions without an estimate are never refreshed proactively.
func (m *Manager) ExpiringSoon(skew time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Valid() && m.session.ExpiringSoon(m.clock.Now(), skew)
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one in-flight exchange. A caller whose ctx ends stops
// waiting; the exchange itself continues under RefreshTimeout.
//
// Any refresh failure ends the session: it is expired once and every waiter
// receives an error matching domain.ErrSessionExpired.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, "")
}

// RefreshToken refreshes because stale was rejected or is about to expire.
// If the session already holds a different token, that token is returned
// without another exchange.
func (m *Manager) RefreshToken(ctx context.Context, stale string) (string, error) {
	return m.refresh(ctx, stale)
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	session := m.session
	epoch := m.epoch
	m.mu.RUnlock()

	if !session.Valid() {
		return "", domain.ErrSessionExpired
	}
	if stale != "" && session.AccessToken != stale {
		return session.AccessToken, nil
	}
	if session.RefreshToken == "" {
		m.expireEpoch(epoch, errors.New("no refresh token"))
		return "", domain.ErrSessionExpired
	}

	detached := context.WithoutCancel(ctx)
	result := m.refreshes.DoChan(epochKey(epoch), func() (any, error) {
		return m.exchange(detached, epoch, session.RefreshToken)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("wait for token refresh: %w", ctx.Err())
	}
}

func (m *Manager) exchange(ctx context.Context, epoch uint64, refreshToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	grant, err := m.auth.Refresh(ctx, refreshToken)
	if err == nil && grant.AccessToken == "" {
		err = errors.New("refresh response missing access_token")
	}
	if err != nil {
		m.logf("session: token refresh failed: %v", err)
		m.expireEpoch(epoch, err)
		return "", fmt.Errorf("%w: refresh token: %v", domain.ErrSessionExpired, err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// Login or logout happened while the exchange was in flight.
		current := m.session
		m.mu.Unlock()
		if !current.Valid() {
			return "", domain.ErrSessionExpired
		}
		return current.AccessToken, nil
	}
	next := m.session.WithRefreshedGrant(grant, m.clock.Now())
	m.session = next
	m.epoch++
	nextEpoch := m.epoch
	m.mu.Unlock()

	if err := m.persist(ctx, nextEpoch, next); err != nil {
		m.logf("session: %v", err)
	}

	return next.AccessToken, nil
}

// Logout drops the local session and the persisted tokens, then tells
// listeners. The server-side logout is best effort.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	previous := m.epoch
	m.session = domain.Session{}
	m.epoch++
	m.mu.Unlock()
	m.refreshes.Forget(epochKey(previous))

	if session.Valid() && m.auth != nil {
		if err := m.auth.Logout(ctx, session.AccessToken); err != nil {
			m.logf("session: remote logout failed: %v", err)
		}
	}

	err := m.clearPersisted(ctx)
	if session.Valid() {
		m.notifyLogout(nil)
	}
	return err
}

// Expire is the local logout used when authentication cannot be recovered.
// It reports whether a session was actually cleared, so repeated calls for
// the same failure notify listeners once.
func (m *Manager) Expire(cause error) bool {
	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()
	return m.expireEpoch(epoch, cause)
}

// ExpireToken expires the session only while token is still the current
// access token. A request that was rejected with an old token cannot log out
// a session that has since been replaced.
func (m *Manager) ExpireToken(token string, cause error) bool {
	m.mu.RLock()
	epoch := m.epoch
	current := m.session.AccessToken
	m.mu.RUnlock()
	if token == "" || token != current {
		return false
	}
	return m.expireEpoch(epoch, cause)
}

func (m *Manager) expireEpoch(epoch uint64, cause error) bool {
	m.mu.Lock()
	if m.epoch != epoch || !m.session.Valid() {
		m.mu.Unlock()
		return false
	}
	m.session = domain.Session{}
	m.epoch++
	m.mu.Unlock()
	m.refreshes.Forget(epochKey(epoch))

	if err := m.clearPersisted(context.Background()); err != nil {
		m.logf("session: %v", err)
	}
	m.notifyLogout(fmt.Errorf("%w: %v", domain.ErrSessionExpired, cause))
	return true
}

// OnLogout registers fn to run after every logout or expiry. cause is nil
// for an explicit logout. The returned func unregisters fn.
func (m *Manager) OnLogout(fn func(cause error)) func() {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// WatchStore reloads tokens whenever another process rewrites the store.
// Tokens removed externally expire the local session. It blocks until ctx
// ends or the watcher fails.
func (m *Manager) WatchStore(ctx context.Context, watcher ports.StoreWatcher) error {
	return watcher.Watch(ctx, func() {
		m.reload(ctx)
	})
}

func (m *Manager) reload(ctx context.Context) {
	raw, err := m.store.Get(ctx, TokensKey)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			m.Expire(errors.New("tokens removed from store"))
			return
		}
		m.logf("session: reload tokens: %v", err)
		return
	}

	loaded, err := domain.DecodeSession(raw)
	if err != nil {
		m.logf("session: reload tokens: %v", err)
		return
	}

	m.mu.Lock()
	if m.session.AccessToken == loaded.AccessToken && m.session.RefreshToken == loaded.RefreshToken {
		m.mu.Unlock()
		return
	}
	previous := m.epoch
	m.session = loaded
	m.epoch++
	m.mu.Unlock()
	m.refreshes.Forget(epochKey(previous))
}

func (m *Manager) persist(ctx context.Context, epoch uint64, session domain.Session) error {
	raw, err := domain.EncodeSession(session)
	if err != nil {
		return err
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	current := m.epoch
	m.mu.RUnlock()
	if current != epoch {
		return nil
	}

	if err := m.store.Set(ctx, TokensKey, raw); err != nil {
		return fmt.Errorf("persist session tokens: %w", err)
	}
	return nil
}

func (m *Manager) clearPersisted(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.store.Remove(ctx, TokensKey); err != nil {
		return fmt.Errorf("clear session tokens: %w", err)
	}
	return nil
}

func (m *Manager) notifyLogout(cause error) {
	m.listenersMu.Lock()
	listeners := make([]func(error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(cause)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func epochKey(epoch uint64) string {
	return strconv.FormatUint(epoch, 10)
}
