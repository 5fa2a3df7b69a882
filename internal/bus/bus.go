package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/replan/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus fans reconciliation events out to background consumers (calendar sync,
// auditor). The Auditor receives a read-only tap channel for every message published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	tapCh       chan types.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
		tapCh:       make(chan types.Message, tapBufSize),
	}
}

// Publish fans out msg to all subscribers of msg.Type and to the tap channel.
// Non-blocking: if a subscriber's channel is full, the message is dropped with a warning.
// Safe to call on a nil *Bus.
func (b *Bus) Publish(msg types.Message) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("[BUS] subscriber channel full, message dropped", "type", msg.Type, "from", msg.From)
		}
	}

	select {
	case b.tapCh <- msg:
	default:
		slog.Warn("[BUS] tap channel full, audit message dropped", "type", msg.Type)
	}
}

// Emit wraps payload in a fresh envelope and publishes it.
//
// Expectations:
//   - Assigns a new UUID and a UTC timestamp to every envelope
//   - Delivers to subscribers of t and to the tap
//   - No-op on nil *Bus
func (b *Bus) Emit(from, to types.Role, t types.MessageType, payload any) {
	if b == nil {
		return
	}
	b.Publish(types.Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   payload,
	})
}

// Subscribe returns a receive-only channel that delivers messages of the given
// types in publish order. Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(ts ...types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	for _, t := range ts {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only tap channel for the Auditor.
// Only one consumer should call this; calling it multiple times returns the same channel.
func (b *Bus) Tap() <-chan types.Message {
	return b.tapCh
}
