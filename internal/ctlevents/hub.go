// Package ctlevents broadcasts control-plane notifications (a stream
// was created, display alias changed, metrics moved, an epoch was
// reset) to every connected dashboard over SSE. It is deliberately
// separate from internal/fanout's Hub: fanout carries race-timing
// event data keyed by stream, this carries small control messages
// broadcast to everyone, matching the teacher's internal/api/hub.go
// shape (one goroutine, register/unregister/broadcast channels) with
// per-stream routing removed since every dashboard wants every
// control event.
package ctlevents

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSubscriberBufferSize = 16
	defaultBroadcastBufferSize  = 64
)

// Type discriminates control-plane events (spec.md §6's dashboard SSE feed).
type Type string

const (
	TypeStreamCreated  Type = "stream_created"
	TypeStreamUpdated  Type = "stream_updated"
	TypeMetricsUpdated Type = "metrics_updated"
	TypeResync         Type = "resync"

	// Receiver control-plane events (§4.6, §6's GET /api/v1/events on
	// the Receiver side). Reusing this package rather than duplicating
	// the single-goroutine hub for a second, string-keyed event stream.
	TypeConnectionStateChanged Type = "connection_state_changed"
	TypeStreamDegraded         Type = "stream_degraded"
)

// Event is one control-plane notification. Data carries a
// type-specific JSON-serializable payload chosen by the publisher; it
// is nil for stream_created, metrics_updated and resync events.
type Event struct {
	Type     Type      `json:"type"`
	StreamID int64     `json:"stream_id,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
}

// Subscriber is one dashboard's SSE connection.
type Subscriber struct {
	events chan Event
	done   chan struct{}
}

func (s *Subscriber) Events() <-chan Event  { return s.events }
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Hub fans control events out to every connected dashboard.
type Hub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Event
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	subscriberBufferSize int
	logger               *slog.Logger
}

type HubOption func(*Hub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		register:             make(chan *Subscriber),
		unregister:           make(chan *Subscriber),
		broadcast:            make(chan Event, defaultBroadcastBufferSize),
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

// Run drives the hub's single owning goroutine until Stop is called.
func (h *Hub) Run() {
	subs := make(map[*Subscriber]struct{})
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			subs[sub] = struct{}{}

		case sub := <-h.unregister:
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				close(sub.done)
				close(sub.events)
			}

		case e := <-h.broadcast:
			for sub := range subs {
				select {
				case sub.events <- e:
				default:
					h.logger.Warn("control event dropped, subscriber buffer full", "type", e.Type, "stream_id", e.StreamID)
				}
			}

		case <-h.stop:
			for sub := range subs {
				close(sub.done)
				close(sub.events)
			}
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		events: make(chan Event, h.subscriberBufferSize),
		done:   make(chan struct{}),
	}
	select {
	case h.register <- sub:
		return sub
	case <-h.stopped:
		close(sub.done)
		close(sub.events)
		return sub
	}
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}

func (h *Hub) publish(e Event) {
	select {
	case h.broadcast <- e:
	case <-h.stopped:
	default:
		h.logger.Warn("control broadcast buffer full, event dropped", "type", e.Type)
	}
}

// PublishStreamCreated notifies dashboards a new stream has appeared.
func (h *Hub) PublishStreamCreated(streamID int64, data any) {
	h.publish(Event{Type: TypeStreamCreated, StreamID: streamID, Data: data})
}

// PublishStreamUpdated notifies dashboards of a display-alias change,
// an epoch reset, or an online/offline transition.
func (h *Hub) PublishStreamUpdated(streamID int64, data any) {
	h.publish(Event{Type: TypeStreamUpdated, StreamID: streamID, Data: data})
}

// PublishMetricsUpdated notifies dashboards that a stream's counters moved.
func (h *Hub) PublishMetricsUpdated(streamID int64) {
	h.publish(Event{Type: TypeMetricsUpdated, StreamID: streamID})
}

// PublishResync tells dashboards to drop their local state and refetch
// GET /api/v1/streams, used when the Server can't reconstruct a
// precise delta (e.g. after its own restart).
func (h *Hub) PublishResync() {
	h.publish(Event{Type: TypeResync})
}

// PublishConnectionStateChanged notifies a Receiver's control API
// subscribers that its session transitioned to a new connection state.
func (h *Hub) PublishConnectionStateChanged(data any) {
	h.publish(Event{Type: TypeConnectionStateChanged, Data: data})
}

// PublishStreamDegraded notifies a Receiver's control API subscribers
// that a stream's local rebroadcast was disabled (e.g. a port collision).
func (h *Hub) PublishStreamDegraded(data any) {
	h.publish(Event{Type: TypeStreamDegraded, Data: data})
}
