package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"
)

// ErrUnauthorized is wrapped by dialers when the server rejects the
// handshake token.
var ErrUnauthorized = errors.New("push handshake unauthorized")

// Event is one push message in either direction. Room is set on events the
// server scopes to a project room.
type Event struct {
	Name string          `json:"eventName"`
	Data json.RawMessage `json:"data,omitempty"`
	Room string          `json:"room,omitempty"`
}

type roomControl struct {
	Room string `json:"room"`
}

func controlEvent(name string, room string) Event {
	data, _ := json.Marshal(roomControl{Room: room})
	return Event{Name: name, Data: data}
}

type Dialer interface {
	Dial(ctx context.Context, accessToken string) (Conn, error)
}

// Conn is one live push connection. Send may be called concurrently with
// ReadEvent.
type Conn interface {
	ReadEvent(ctx context.Context) (Event, error)
	Send(ctx context.Context, event Event) error
	Close() error
}
