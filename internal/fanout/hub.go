// Package fanout implements the Server's live broadcast hub and the
// per-subscription replay-then-live engine that backs Server Fanout
// (spec.md §4.5). The hub is grounded on the teacher's single-loop
// register/unregister/broadcast Hub (internal/api/hub.go), keyed by
// stream_id instead of broadcasting to every subscriber; the
// subscription engine's historical-replay-then-live-join shape is
// grounded on internal/api/stream.go's sendMissedEvents-then-subscribe
// pattern, generalized from one global SSE stream to one worker per
// (receiver, stream) pair with a bounded in-flight-batch window.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/rustytimer/rusty-timer/internal/event"
)

const (
	defaultSubscriberBufferSize = 16
	defaultBroadcastBufferSize  = 64
)

// publishedBatch is one commit's worth of newly inserted events for a
// single stream/epoch, handed from ingestsvc to the hub.
type publishedBatch struct {
	streamID int64
	epoch    int64
	events   []event.ReadEvent
}

// Subscription is a live handle registered against one stream_id.
type Subscription struct {
	streamID int64
	events   chan publishedBatch
	overflow chan struct{}
	done     chan struct{}
}

// Events yields live batches for the subscribed stream.
func (s *Subscription) Events() <-chan publishedBatch { return s.events }

// Overflow signals that the hub dropped at least one batch for this
// subscriber because its buffer was full; the engine should treat its
// live view as stale and re-query the database from its cursor.
func (s *Subscription) Overflow() <-chan struct{} { return s.overflow }

// Done is closed when the hub unregisters this subscription (e.g. on
// hub shutdown).
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Hub is a single-loop broadcaster keyed by stream_id: one map of
// stream_id -> subscriber set, one owning goroutine, matching the
// teacher's one-goroutine-plus-channels Hub exactly but routing each
// publish to only the subscribers of its stream.
type Hub struct {
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan publishedBatch
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	subscriberBufferSize int
	logger                *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithHubSubscriberBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.subscriberBufferSize = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		register:             make(chan *Subscription),
		unregister:           make(chan *Subscription),
		broadcast:            make(chan publishedBatch, defaultBroadcastBufferSize),
		stop:                 make(chan struct{}),
		stopped:              make(chan struct{}),
		subscriberBufferSize: defaultSubscriberBufferSize,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives the hub's event loop until Stop is called. Call in its
// own goroutine: go hub.Run().
func (h *Hub) Run() {
	clients := make(map[int64]map[*Subscription]struct{})
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			if clients[sub.streamID] == nil {
				clients[sub.streamID] = make(map[*Subscription]struct{})
			}
			clients[sub.streamID][sub] = struct{}{}

		case sub := <-h.unregister:
			if set, ok := clients[sub.streamID]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.done)
					if len(set) == 0 {
						delete(clients, sub.streamID)
					}
				}
			}

		case batch := <-h.broadcast:
			for sub := range clients[batch.streamID] {
				select {
				case sub.events <- batch:
				default:
					select {
					case sub.overflow <- struct{}{}:
					default:
					}
					h.logger.Warn("subscriber buffer full, signalled overflow", "stream_id", batch.streamID)
				}
			}

		case <-h.stop:
			for _, set := range clients {
				for sub := range set {
					close(sub.done)
				}
			}
			return
		}
	}
}

// Stop stops the hub's loop. Idempotent; blocks until fully stopped.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

// Subscribe registers a new live subscriber for streamID.
func (h *Hub) Subscribe(streamID int64) *Subscription {
	sub := &Subscription{
		streamID: streamID,
		events:   make(chan publishedBatch, h.subscriberBufferSize),
		overflow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	select {
	case h.register <- sub:
		return sub
	case <-h.stopped:
		close(sub.done)
		return sub
	}
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}

// Publish hands newly committed events for (streamID, epoch) to the
// hub for live broadcast. Non-blocking: if the broadcast buffer is
// full, the batch is dropped and a warning logged, matching the
// teacher's drop-on-full broadcast policy.
func (h *Hub) Publish(streamID int64, epoch int64, events []event.ReadEvent) {
	if len(events) == 0 {
		return
	}
	batch := publishedBatch{streamID: streamID, epoch: epoch, events: events}
	select {
	case h.broadcast <- batch:
	case <-h.stopped:
	default:
		h.logger.Warn("broadcast buffer full, batch dropped", "stream_id", streamID)
	}
}
