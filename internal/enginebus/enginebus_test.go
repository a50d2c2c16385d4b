package enginebus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := b.Subscribe(ctx)
	c := b.Subscribe(ctx)

	b.Publish(Event{Kind: KindPostPush, Table: "goals"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Kind != KindPostPush || ev.Table != "goals" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}

func TestSubscribeUnsubscribesOnContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed promptly")
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	for i := 0; i < 64; i++ {
		b.Publish(Event{Kind: KindEntityChanged, Table: "goals"})
	}

	// Draining a handful of events should succeed without the publisher
	// ever having blocked -- Publish never blocks even when full.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected at least one buffered event")
	}
}
