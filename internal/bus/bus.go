// Package bus implements the per-session output stream from spec.md §5: one
// publisher (the session's own loop) and many subscribers (frontends),
// bounded, where a slow subscriber drops events rather than ever blocking
// the publisher. It is adapted from internal/event's process-wide watermill
// gochannel bus, narrowed to one bus per session and one payload type
// (types.SessionOutput) instead of a generic EventType registry.
//
// watermill's gochannel transport fans a message out to every subscriber's
// channel with a blocking send once its buffer is full, which is exactly
// the behavior spec.md forbids for the output bus; building on it directly
// would need an internal buffer bypass anyway. This package keeps
// watermill's message envelope (github.com/ThreeDotsLabs/watermill/message)
// for its UUID/metadata shape, used as the wire envelope for outputs, while
// the fan-out itself is a small buffered-channel-plus-select registry that
// gives the non-blocking-drop guarantee directly.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/cowork-dev/cowork/pkg/types"
)

func marshalOutput(output types.SessionOutput) ([]byte, error) {
	return json.Marshal(output)
}

// DefaultBufferSize is each subscriber's output queue depth.
const DefaultBufferSize = 64

type subscriber struct {
	id      uint64
	ch      chan types.SessionOutput
	dropped *uint64
}

// Bus fans one session's outputs out to every current subscriber. The zero
// value is not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	sessionID   string
	subscribers []*subscriber
	nextID      uint64
	bufferSize  int
}

// New creates a bus for one session.
func New(sessionID string) *Bus {
	return &Bus{sessionID: sessionID, bufferSize: DefaultBufferSize}
}

// Subscribe registers a new listener and returns its channel, a dropped-event
// counter it can poll, and an unsubscribe function. The channel is closed on
// unsubscribe.
func (b *Bus) Subscribe() (<-chan types.SessionOutput, *uint64, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	dropped := new(uint64)
	sub := &subscriber{id: id, ch: make(chan types.SessionOutput, b.bufferSize), dropped: dropped}
	b.subscribers = append(b.subscribers, sub)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(s.ch)
				break
			}
		}
	}
	return sub.ch, dropped, unsubscribe
}

// Publish delivers output to every current subscriber without blocking. A
// subscriber whose queue is full has the event dropped and its counter
// incremented instead of stalling the session loop (spec.md §5
// backpressure: "the loop never blocks indefinitely on a subscriber").
func (b *Bus) Publish(output types.SessionOutput) {
	output.SessionID = b.sessionID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- output:
		default:
			atomic.AddUint64(sub.dropped, 1)
		}
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes every listener, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = nil
}

// Envelope wraps a SessionOutput in a watermill message for transports that
// need the UUID/metadata envelope (e.g. an SSE or websocket bridge
// forwarding onto a durable broker later). Pure sessions never need this;
// it exists for internal/server's HTTP bridge.
func Envelope(output types.SessionOutput) (*message.Message, error) {
	payload, err := marshalOutput(output)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(message.NewUUID(), payload)
	msg.Metadata.Set("sessionID", output.SessionID)
	msg.Metadata.Set("kind", string(output.Kind))
	return msg, nil
}
