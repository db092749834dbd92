package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func humanMsg(room, text string) Event {
	return Event{
		RoomID:     room,
		SenderID:   "alice",
		SenderKind: SenderHuman,
		Content:    text,
	}
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return Event{}
}

func TestInMemoryBus_PublishAssignsSeq(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev, err := bus.Publish(ctx, humanMsg("room-1", "hi"))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if ev.Seq != int64(i) {
			t.Errorf("Seq = %d, want %d", ev.Seq, i)
		}
		if ev.ID == "" {
			t.Error("expected ID to be assigned")
		}
	}

	// Sequences are room-scoped.
	ev, err := bus.Publish(ctx, humanMsg("room-2", "hi"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("room-2 first Seq = %d, want 1", ev.Seq)
	}
}

func TestInMemoryBus_RejectsInvalidEvent(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	_, err := bus.Publish(context.Background(), Event{RoomID: "r", SenderID: "bot", SenderKind: SenderAgent})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestInMemoryBus_Subscribe_Close(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "room-1", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := bus.Publish(ctx, humanMsg("room-1", "one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := recv(t, sub); got.Content != "one" {
		t.Errorf("Content = %q, want one", got.Content)
	}

	sub.Close()
	sub.Close() // idempotent
	if _, err := bus.Publish(ctx, humanMsg("room-1", "two")); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel after Close")
	}
}

func TestInMemoryBus_FanOutAndRoomIsolation(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		s, err := bus.Subscribe(ctx, "room-1", SubscribeOptions{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		subs = append(subs, s)
	}
	other, _ := bus.Subscribe(ctx, "room-2", SubscribeOptions{})

	if _, err := bus.Publish(ctx, humanMsg("room-1", "all hands")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, s := range subs {
		if got := recv(t, s); got.Seq != 1 {
			t.Errorf("subscriber %d got Seq %d, want 1", i, got.Seq)
		}
	}
	select {
	case ev := <-other.Events():
		t.Errorf("room-2 subscriber received %+v", ev)
	default:
	}
}

func TestInMemoryBus_StartSeq(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		bus.Publish(ctx, humanMsg("room-1", "old"))
	}
	sub, err := bus.Subscribe(ctx, "room-1", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.StartSeq != 4 {
		t.Errorf("StartSeq = %d, want 4", sub.StartSeq)
	}
}

func TestInMemoryBus_OrderUnderConcurrentPublishers(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "room-1", SubscribeOptions{Buffer: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(ctx, humanMsg("room-1", fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	var last int64
	for i := 0; i < 400; i++ {
		ev := recv(t, sub)
		if ev.Seq != last+1 {
			t.Fatalf("delivery %d: Seq = %d, want %d", i, ev.Seq, last+1)
		}
		last = ev.Seq
	}
}

func TestInMemoryBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "room-1", SubscribeOptions{Buffer: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(ctx, humanMsg("room-1", "spam"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	if sub.Dropped() != 99 {
		t.Errorf("Dropped = %d, want 99", sub.Dropped())
	}
	if got := recv(t, sub); got.Seq != 1 {
		t.Errorf("DropNewest kept Seq %d, want 1", got.Seq)
	}
}

func TestInMemoryBus_DropOldest(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "room-1", SubscribeOptions{Buffer: 2, Policy: DropOldest})

	for i := 0; i < 5; i++ {
		bus.Publish(ctx, humanMsg("room-1", "x"))
	}
	if a, b := recv(t, sub), recv(t, sub); a.Seq != 4 || b.Seq != 5 {
		t.Errorf("kept Seq %d,%d, want 4,5", a.Seq, b.Seq)
	}
}

func TestInMemoryBus_Close(t *testing.T) {
	bus := NewInMemoryBus(nil, nil)
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "room-1", SubscribeOptions{})

	bus.Close()
	if _, ok := <-sub.Events(); ok {
		t.Error("expected subscription closed by bus.Close")
	}
	if _, err := bus.Publish(ctx, humanMsg("room-1", "late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close err = %v, want ErrClosed", err)
	}
	if _, err := bus.Subscribe(ctx, "room-1", SubscribeOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close err = %v, want ErrClosed", err)
	}
}
