// Package events fans pipeline progress out to connected browsers over
// websockets. Subscribers join rooms scoped to a client or a single material
// and receive JSON frames as stages advance.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Room names. A subscriber sees an event when it joined any of the event's
// rooms.
func ClientRoom(clientID string) string     { return "client:" + clientID }
func MaterialRoom(materialID string) string { return "material:" + materialID }

// Event is one progress notification.
type Event struct {
	Name    string
	Rooms   []string
	Payload any
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// sendBuffer is the per-subscriber channel depth. A subscriber that cannot
// keep up has frames dropped rather than blocking the publisher.
const sendBuffer = 32

// Subscriber is one websocket connection's view of the hub.
type Subscriber struct {
	hub   *Hub
	send  chan []byte
	rooms map[string]bool
}

// C is the channel of serialized frames to write to the connection.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Hub routes events to room subscribers.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Subscriber]bool
	subs    map[*Subscriber]bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]bool),
		subs:   make(map[*Subscriber]bool),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with no room memberships.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		hub:   h,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.subs[s] = true
	h.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber from all rooms and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subs[s] {
		return
	}
	delete(h.subs, s)
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	close(s.send)
}

// Join adds the subscriber to a room.
func (h *Hub) Join(s *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subs[s] {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Subscriber]bool)
		h.rooms[room] = members
	}
	members[s] = true
	s.rooms[room] = true
}

// Leave removes the subscriber from a room.
func (h *Hub) Leave(s *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) leaveLocked(s *Subscriber, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// Publish serializes the event once and delivers it to every subscriber in
// any of its rooms. Slow subscribers lose the frame.
func (h *Hub) Publish(ev Event) {
	raw, err := json.Marshal(frame{Event: ev.Name, Data: ev.Payload})
	if err != nil {
		h.logger.Error("marshal event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := make(map[*Subscriber]bool)
	for _, room := range ev.Rooms {
		for s := range h.rooms[room] {
			if delivered[s] {
				continue
			}
			delivered[s] = true
			select {
			case s.send <- raw:
			default:
				h.dropped.Add(1)
				h.logger.Warn("dropping event for slow subscriber", "event", ev.Name)
			}
		}
	}
}

// Dropped reports how many frames were discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
