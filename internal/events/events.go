// Package events implements the in-process event bus: rooms
// keyed by campaign/settlement/structure, buffered delivery to
// subscribers through a bounded per-subscriber channel, and a
// gorilla/websocket adapter for the external subscribe/unsubscribe
// surface, using a broadcast-channel pattern generalized onto room-scoped
// pub/sub. A subscriber whose buffer is full loses its oldest buffered
// event, so delivery is not at-least-once.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campaignforge/core/internal/ids"
	"github.com/campaignforge/core/internal/pkg/logger"
)

// Type enumerates the event taxonomy.
type Type string

const (
	TypeEntityUpdated     Type = "entity_updated"
	TypeStateInvalidated  Type = "state_invalidated"
	TypeWorldTimeChanged  Type = "world_time_changed"
	TypeSettlementUpdated Type = "settlement_updated"
	TypeStructureUpdated  Type = "structure_updated"
)

// Metadata accompanies every event with provenance for the subscriber.
type Metadata struct {
	Actor         string `json:"actor"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId"`
}

// Event is the wire-level payload published to a room.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

// CampaignRoom, SettlementRoom, and StructureRoom build the three room
// name families the publisher recognizes.
func CampaignRoom(id string) string  { return fmt.Sprintf("campaign:%s", id) }
func SettlementRoom(id string) string { return fmt.Sprintf("settlement:%s", id) }
func StructureRoom(id string) string  { return fmt.Sprintf("structure:%s", id) }

// replayBufferSize bounds the per-subscriber backlog of undelivered
// events. Events dropped when it is full are not redelivered.
const replayBufferSize = 256

// Subscriber receives events for the rooms it joined. Deliver never blocks
// the publisher: a full subscriber channel drops the oldest buffered event
// rather than stalling Hub.Publish.
type Subscriber struct {
	id     string
	hub    *Hub
	rooms  map[string]bool
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// Events returns the channel events are delivered on.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Close detaches the subscriber from every room it joined.
func (s *Subscriber) Close() {
	s.hub.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// Buffer full: drop the oldest to admit the newest, never block.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Hub is the in-process pub/sub backplane. A single Hub instance is shared
// process-wide and delivers only to subscribers in the same process; no
// shared broker connects Hubs of separate instances.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Subscriber]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscriber]bool)}
}

// Subscribe creates a Subscriber joined to rooms. MembershipCheck should
// already have been performed by the caller (internal/core re-verifies
// campaign membership before calling Subscribe).
func (h *Hub) Subscribe(rooms ...string) *Subscriber {
	sub := &Subscriber{
		id:    ids.NewID(ids.PrefixEvent),
		hub:   h,
		rooms: make(map[string]bool),
		ch:    make(chan Event, replayBufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		sub.rooms[room] = true
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Subscriber]bool)
		}
		h.rooms[room][sub] = true
	}
	return sub
}

// Join adds room to the subscriber's set.
func (h *Hub) Join(sub *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub.rooms[room] = true
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscriber]bool)
	}
	h.rooms[room][sub] = true
}

// Leave removes room from the subscriber's set.
func (h *Hub) Leave(sub *Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(sub.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range sub.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

// Publish delivers e to every subscriber of room. Callers must publish only
// after the originating transaction has committed.
func (h *Hub) Publish(ctx context.Context, room string, e Event) {
	h.mu.RLock()
	members := make([]*Subscriber, 0, len(h.rooms[room]))
	for sub := range h.rooms[room] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	for _, sub := range members {
		sub.deliver(e)
	}

	logger.Debug("event published",
		zap.String("room", room),
		zap.String("type", string(e.Type)),
		zap.Int("subscribers", len(members)),
	)
}

// RoomSize returns the number of subscribers currently joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
