package cache

import (
	"fmt"
	"strings"
	"time"
)

// Key names one cached resource. ID is either an identifier ("42") or a
// filter descriptor ("project=7"); it is empty for singleton collections.
type Key struct {
	Resource string
	ID       string
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Resource
	}
	return k.Resource + ":" + k.ID
}

// ParseKey is the inverse of Key.String.
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Key{}, fmt.Errorf("cache key is empty")
	}
	resource, id, _ := strings.Cut(raw, ":")
	return Key{Resource: resource, ID: id}, nil
}

// ResourceIs matches every key of one resource.
func ResourceIs(resource string) func(Key) bool {
	return func(k Key) bool { return k.Resource == resource }
}

// Exactly matches the given keys.
func Exactly(keys ...Key) func(Key) bool {
	set := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(k Key) bool {
		_, ok := set[k]
		return ok
	}
}

// AnyOf matches when any matcher does.
func AnyOf(matchers ...func(Key) bool) func(Key) bool {
	return func(k Key) bool {
		for _, match := range matchers {
			if match(k) {
				return true
			}
		}
		return false
	}
}

type State int

const (
	StateFresh State = iota
	StateStale
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateInFlight:
		return "inFlight"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Entry struct {
	Key        Key
	Value      any
	FetchedAt  time.Time
	StaleAfter time.Duration
	State      State
}

type Change int

const (
	ChangeWritten Change = iota
	ChangeFetched
	ChangeInvalidated
	ChangeRestored
)

func (c Change) String() string {
	switch c {
	case ChangeWritten:
		return "written"
	case ChangeFetched:
		return "fetched"
	case ChangeInvalidated:
		return "invalidated"
	case ChangeRestored:
		return "restored"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

type Event struct {
	Key    Key
	Change Change
}
