package realtime

import (
	"context"
	"sync"
	"time"
)

const controlTimeout = 5 * time.Second

// Membership is one holder's interest in a room. The bridge joins a room on
// the first membership and leaves it when the last one is disposed.
type Membership struct {
	bridge *Bridge
	room   string
	once   sync.Once
}

func (m *Membership) Room() string {
	return m.room
}

func (m *Membership) Dispose() {
	m.once.Do(func() {
		m.bridge.leave(m.room)
	})
}

// Join registers interest in room. Events tagged with a room nobody joined
// are dropped. Memberships survive reconnects.
func (b *Bridge) Join(room string) *Membership {
	b.mu.Lock()
	b.rooms[room]++
	first := b.rooms[room] == 1
	conn := b.conn
	b.mu.Unlock()

	if first && conn != nil {
		b.sendControl(conn, EventJoinRoom, room)
	}
	return &Membership{bridge: b, room: room}
}

func (b *Bridge) leave(room string) {
	b.mu.Lock()
	if b.rooms[room] == 0 {
		b.mu.Unlock()
		return
	}
	b.rooms[room]--
	last := b.rooms[room] == 0
	if last {
		delete(b.rooms, room)
	}
	conn := b.conn
	b.mu.Unlock()

	if last && conn != nil {
		b.sendControl(conn, EventLeaveRoom, room)
	}
}

// Rooms lists the rooms with at least one membership.
func (b *Bridge) Rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	rooms := make([]string, 0, len(b.rooms))
	for room := range b.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (b *Bridge) sendControl(conn Conn, name string, room string) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	// A failed send surfaces as a read error; the next connection rejoins.
	if err := conn.Send(ctx, controlEvent(name, room)); err != nil {
		b.logf("realtime: %s %s: %v", name, room, err)
	}
}
