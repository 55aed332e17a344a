// Package chain tries a primary token store and falls back to a second one.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/ports"
)

type Store struct {
	primary  ports.TokenStore
	fallback ports.TokenStore
}

var (
	_ ports.TokenStore   = (*Store)(nil)
	_ ports.StoreWatcher = (*Store)(nil)
)

var (
	errNilPrimaryStore  = errors.New("primary token store is nil")
	errNilFallbackStore = errors.New("fallback token store is nil")
)

func NewStore(primary ports.TokenStore, fallback ports.TokenStore) (*Store, error) {
	if primary == nil {
		return nil, errNilPrimaryStore
	}
	if fallback == nil {
		return nil, errNilFallbackStore
	}

	return &Store{primary: primary, fallback: fallback}, nil
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	err := s.primary.Set(ctx, key, value)
	if err == nil {
		return nil
	}
	if shouldSkipFallback(err) {
		return err
	}

	fallbackErr := s.fallback.Set(ctx, key, value)
	if fallbackErr == nil {
		return nil
	}

	return fmt.Errorf("primary backend set failed: %w; fallback backend set failed: %w", err, fallbackErr)
}

// Get falls back when the primary fails or lacks the key. A key missing from
// both stores yields domain.ErrTokenNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.primary.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if shouldSkipFallback(err) {
		return "", err
	}

	fallbackValue, fallbackErr := s.fallback.Get(ctx, key)
	if fallbackErr == nil {
		return fallbackValue, nil
	}
	if errors.Is(err, domain.ErrTokenNotFound) && errors.Is(fallbackErr, domain.ErrTokenNotFound) {
		return "", fmt.Errorf("get %q: %w", key, domain.ErrTokenNotFound)
	}

	return "", fmt.Errorf("primary backend get failed: %w; fallback backend get failed: %w", err, fallbackErr)
}

// Remove clears the key from both stores so a stale copy in the fallback
// cannot resurrect a logged-out session.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.primary.Remove(ctx, key)
	if shouldSkipFallback(err) {
		return err
	}
	fallbackErr := s.fallback.Remove(ctx, key)

	switch {
	case err == nil && fallbackErr == nil:
		return nil
	case err != nil && fallbackErr != nil:
		return fmt.Errorf("primary backend remove failed: %w; fallback backend remove failed: %w", err, fallbackErr)
	case err != nil:
		return fmt.Errorf("primary backend remove failed: %w", err)
	default:
		return fmt.Errorf("fallback backend remove failed: %w", fallbackErr)
	}
}

// Watch delegates to the first store that supports watching.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	for _, store := range []ports.TokenStore{s.primary, s.fallback} {
		if watcher, ok := store.(ports.StoreWatcher); ok {
			return watcher.Watch(ctx, onChange)
		}
	}
	<-ctx.Done()
	return nil
}

func shouldSkipFallback(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
