// Package hub fans push messages out to every socket bound to an app user.
package hub

import "sync"

// sendBuffer is how many pushes may wait for one socket before it counts as stuck.
const sendBuffer = 32

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one socket joined to the room of UserID. Writes happen on a
// goroutine of its own, so a slow socket never holds up the broadcaster.
type Connection struct {
	UserID int64
	Writer Writer

	send chan []byte
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[int64]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{rooms: make(map[int64]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[conn.UserID] == nil {
		h.rooms[conn.UserID] = make(map[*Connection]struct{})
	}
	if _, ok := h.rooms[conn.UserID][conn]; ok {
		return
	}
	conn.send = make(chan []byte, sendBuffer)
	h.rooms[conn.UserID][conn] = struct{}{}
	go h.pump(conn)
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.rooms[conn.UserID]
	if _, ok := set[conn]; !ok {
		return
	}
	delete(set, conn)
	close(conn.send)
	if len(set) == 0 {
		delete(h.rooms, conn.UserID)
	}
}

// Members reports how many sockets are bound to userID.
func (h *Hub) Members(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Broadcast queues message for every socket of userID and returns how many took it.
// A socket whose queue is full is closed and dropped.
func (h *Hub) Broadcast(userID int64, message []byte) int {
	var queued int
	var stuck []*Connection

	h.mu.RLock()
	for c := range h.rooms[userID] {
		select {
		case c.send <- message:
			queued++
		default:
			stuck = append(stuck, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stuck {
		h.drop(c)
	}
	return queued
}

func (h *Hub) pump(c *Connection) {
	for msg := range c.send {
		if err := c.Writer.Write(msg); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *Connection) {
	_ = c.Writer.Close()
	h.Unregister(c)
}
