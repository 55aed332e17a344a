package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	authadapter "github.com/bnema/tasksync/internal/adapters/auth"
	"github.com/bnema/tasksync/internal/adapters/push/wspush"
	"github.com/bnema/tasksync/internal/adapters/render/board"
	chainstore "github.com/bnema/tasksync/internal/adapters/tokens/chain"
	memorystore "github.com/bnema/tasksync/internal/adapters/tokens/memory"
	passstore "github.com/bnema/tasksync/internal/adapters/tokens/pass"
	redisstore "github.com/bnema/tasksync/internal/adapters/tokens/redis"
	tomlstore "github.com/bnema/tasksync/internal/adapters/tokens/toml"
	"github.com/bnema/tasksync/internal/application"
	"github.com/bnema/tasksync/internal/cache"
	"github.com/bnema/tasksync/internal/config"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/mutation"
	"github.com/bnema/tasksync/internal/notify"
	"github.com/bnema/tasksync/internal/ports"
	"github.com/bnema/tasksync/internal/realtime"
	"github.com/bnema/tasksync/internal/session"
	"github.com/spf13/viper"
)

type logger interface {
	Printf(format string, args ...any)
}

type app struct {
	cfg           config.Config
	tokenStore    ports.TokenStore
	session       *session.Manager
	gateway       *gateway.Gateway
	cache         *cache.Store
	mutations     *mutation.Coordinator
	tasks         *application.TaskService
	projects      *application.ProjectService
	notifications *notify.Aggregator
	httpClient    *http.Client
	logger        logger
	now           func() time.Time
}

func wireApp() (*app, error) {
	cfg, err := config.Load(viper.New())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var lg logger
	if cfg.Verbose {
		lg = log.New(os.Stderr, "tsync: ", log.LstdFlags)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	tokenStore, err := newTokenStore(dialCtx, cfg.Tokens)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("wire token store: %w", err)
	}

	httpClient := http.DefaultClient
	authClient := authadapter.Client{
		API:            authadapter.DefaultAPI(cfg.BaseURL),
		HTTPClient:     httpClient,
		RequestTimeout: cfg.RequestTimeout,
	}

	sessions := session.New(authClient, tokenStore,
		session.WithLogger(lg),
		session.WithRefreshTimeout(cfg.RefreshTimeout),
	)

	gw, err := gateway.New(sessions, gateway.Options{
		BaseURL:        cfg.BaseURL,
		HTTPClient:     httpClient,
		RequestTimeout: cfg.RequestTimeout,
		RefreshSkew:    cfg.RefreshSkew,
		Logger:         lg,
	})
	if err != nil {
		return nil, fmt.Errorf("wire gateway: %w", err)
	}

	store := cache.New(cache.Options{
		DefaultStaleAfter: cfg.Cache.DefaultStaleAfter,
		StaleAfter:        cfg.Cache.StaleAfter,
		Logger:            lg,
	})
	mutations := mutation.New(store, lg)

	return &app{
		cfg:           cfg,
		tokenStore:    tokenStore,
		session:       sessions,
		gateway:       gw,
		cache:         store,
		mutations:     mutations,
		tasks:         application.NewTaskService(gw, store, mutations),
		projects:      application.NewProjectService(gw, store),
		notifications: notify.New(gw, store, ports.SystemClock{}, lg),
		httpClient:    httpClient,
		logger:        lg,
		now:           time.Now,
	}, nil
}

// newTokenStore builds the configured backend. Redis is pinged so an
// unreachable server fails at startup.
func newTokenStore(ctx context.Context, cfg config.Tokens) (ports.TokenStore, error) {
	switch cfg.Backend {
	case config.BackendTOML:
		return tomlstore.NewStore(cfg.Path)
	case config.BackendPass:
		return passstore.NewStore(cfg.PassPrefix), nil
	case config.BackendChain:
		fallback, err := tomlstore.NewStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return chainstore.NewStore(passstore.NewStore(cfg.PassPrefix), fallback)
	case config.BackendRedis:
		client, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return redisstore.NewStore(client, cfg.RedisPrefix, 0)
	case config.BackendMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported token backend %q", cfg.Backend)
	}
}

// restore loads persisted tokens. Commands that need a session call
// requireSession instead.
func (a *app) restore(ctx context.Context) error {
	if err := a.session.Init(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	return nil
}

func (a *app) requireSession(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	if !a.session.LoggedIn() {
		return errNotLoggedIn
	}
	return nil
}

func (a *app) newBridge() (*realtime.Bridge, error) {
	dialer, err := wspush.NewDialer(a.cfg.PushURL, a.httpClient, a.logger)
	if err != nil {
		return nil, fmt.Errorf("wire push dialer: %w", err)
	}

	return realtime.New(dialer, a.session, a.cache, a.notifications, realtime.Options{
		BaseDelay:    a.cfg.Realtime.BaseDelay,
		MaxDelay:     a.cfg.Realtime.MaxDelay,
		MaxAttempts:  a.cfg.Realtime.MaxAttempts,
		PollInterval: a.cfg.Realtime.PollInterval,
		DialTimeout:  a.cfg.Realtime.DialTimeout,
		Logger:       a.logger,
	}), nil
}

func (a *app) renderOptions(staleAfter time.Duration) board.RenderOptions {
	return board.RenderOptions{Now: a.now(), StaleAfter: staleAfter}
}
