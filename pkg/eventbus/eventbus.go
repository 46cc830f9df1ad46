// Package eventbus fans membership and chat events out to local
// subscribers, each with a bounded buffer and drop-oldest semantics so a
// stalled subscriber never blocks the engine loop.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// EventType discriminates the payloads pushed to subscribers.
type EventType string

const (
	EventMembership EventType = "MEMBERSHIP"
	EventChat       EventType = "CHAT"
	EventSystem     EventType = "SYSTEM"
)

// PeerView is one entry in a membership snapshot's peer list.
type PeerView struct {
	ID string `json:"id"`
	IP string `json:"ip,omitempty"`
}

// DiagnosticsView mirrors diagnostics.Snapshot without importing that
// package, keeping the event payload shape independent of the metrics
// backend.
type DiagnosticsView struct {
	HeartbeatsReceived uint64 `json:"heartbeatsReceived"`
	HeartbeatsRelayed  uint64 `json:"heartbeatsRelayed"`
	DuplicateSeq       uint64 `json:"duplicateSeq"`
	InvalidPoW         uint64 `json:"invalidPoW"`
	InvalidSig         uint64 `json:"invalidSig"`
	NewPeersAdded      uint64 `json:"newPeersAdded"`
	LeaveMessages      uint64 `json:"leaveMessages"`
}

// Membership is emitted whenever the peer table's shape changes.
type Membership struct {
	Count       int             `json:"count"`
	Direct      int             `json:"direct"`
	TotalUnique int             `json:"totalUnique"`
	ID          string          `json:"id"`
	Peers       []PeerView      `json:"peers"`
	Diagnostics DiagnosticsView `json:"diagnostics"`
}

// Chat is emitted for every accepted chat message, local or relayed.
type Chat struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Scope     string `json:"scope"`
	Target    string `json:"target,omitempty"`
}

// System is the payload shape for process-level notices. No code in this
// repository publishes EventSystem events.
type System struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type       EventType
	Membership *Membership
	Chat       *Chat
	System     *System
}

const subscriberBufferSize = 32

type subscriber struct {
	ch chan Event
}

// Bus is a multi-producer, multi-consumer fan-out of Event values.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*subscriber
}

func New() *Bus {
	return &Bus{subscribers: make(map[uuid.UUID]*subscriber)}
}

// Subscribe registers a new subscriber and returns its handle and receive
// channel.
func (b *Bus) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to every current subscriber. If a subscriber's
// buffer is full, the oldest queued event is dropped to make room — the
// bus never blocks the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
