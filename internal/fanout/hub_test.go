package fanout

import (
	"testing"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
)

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	sub := hub.Subscribe(1)
	if sub == nil {
		t.Fatal("Subscribe returned nil")
	}

	select {
	case <-sub.Done():
		t.Error("Done channel should not be closed")
	default:
	}

	hub.Unsubscribe(sub)

	select {
	case <-sub.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("Done channel should be closed after unsubscribe")
	}
}

func TestHub_PublishRoutesToMatchingStreamOnly(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	subA := hub.Subscribe(1)
	defer hub.Unsubscribe(subA)
	subB := hub.Subscribe(2)
	defer hub.Unsubscribe(subB)

	hub.Publish(1, 1, []event.ReadEvent{{StreamEpoch: 1, Seq: 1, RawFrame: []byte("x")}})

	select {
	case got := <-subA.Events():
		if got.streamID != 1 || len(got.events) != 1 {
			t.Errorf("unexpected batch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscriber A")
	}

	select {
	case <-subB.Events():
		t.Fatal("subscriber B should not receive stream 1's batch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishEmptyEventsIsNoop(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	sub := hub.Subscribe(1)
	defer hub.Unsubscribe(sub)

	hub.Publish(1, 1, nil)

	select {
	case <-sub.Events():
		t.Fatal("expected no batch for empty events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_OverflowSignalsOnFullBuffer(t *testing.T) {
	hub := NewHub(WithHubSubscriberBufferSize(1))
	go hub.Run()
	defer hub.Stop()

	sub := hub.Subscribe(1)
	defer hub.Unsubscribe(sub)

	ev := []event.ReadEvent{{StreamEpoch: 1, Seq: 1, RawFrame: []byte("x")}}
	hub.Publish(1, 1, ev)
	hub.Publish(1, 1, ev)
	hub.Publish(1, 1, ev)

	select {
	case <-sub.Overflow():
	case <-time.After(time.Second):
		t.Fatal("expected overflow signal when subscriber buffer saturates")
	}
}
