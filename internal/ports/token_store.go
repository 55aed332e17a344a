package ports

import "context"

// TokenStore is the durable key-value store session tokens live in. Get
// returns an error wrapping domain.ErrTokenNotFound for missing keys; Remove
// of a missing key is not an error.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
}

// StoreWatcher is implemented by stores that can report changes made by
// other processes.
type StoreWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}
