// Package redis keeps session tokens in Redis so several hosts can share
// one login.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/ports"
)

const DefaultPrefix = "tsync:"

type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

var (
	_ ports.TokenStore   = (*Store)(nil)
	_ ports.StoreWatcher = (*Store)(nil)
)

// NewStore keys entries under prefix. A zero ttl stores without expiry.
func NewStore(client goredis.UniversalClient, prefix string, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}, nil
}

// NewClient connects lazily on first use.
func NewClient(addr string, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
}

// Dial is NewClient followed by a ping.
func Dial(ctx context.Context, addr string, password string, db int) (*goredis.Client, error) {
	client := NewClient(addr, password, db)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("get %q: %w", key, domain.ErrTokenNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), value, s.ttl)
		pipe.Publish(ctx, s.channel(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.key(key))
		pipe.Publish(ctx, s.channel(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove %q: %w", key, err)
	}
	return nil
}

// Watch calls onChange for every write published under this prefix until
// ctx ends.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	sub := s.client.Subscribe(ctx, s.channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel(), err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-messages:
			if !ok {
				return nil
			}
			onChange()
		}
	}
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) channel() string {
	return s.prefix + "changed"
}
