package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txcoord/txcoord/pkg/txn"
)

var _ txn.EventSink = (*Broadcaster)(nil)

func TestBroadcaster_SubscribePublishUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	b.Publish(txn.Event{Type: txn.EventStarted, TxID: "tx-1", Kind: txn.KindSaga})

	select {
	case event := <-ch:
		if event.Type != txn.EventStarted || event.TxID != "tx-1" {
			t.Fatalf("unexpected event %+v", event)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for published event")
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", b.Subscribers())
	}
	b.Unsubscribe(ch)
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	var dropped atomic.Int32
	b := NewBroadcaster(WithDropHook(func() { dropped.Add(1) }))
	ch := b.Subscribe(1)

	b.Publish(txn.Event{Type: txn.EventStarted, TxID: "tx-1"})
	b.Publish(txn.Event{Type: txn.EventFinished, TxID: "tx-1"})

	if got := dropped.Load(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if event := <-ch; event.Type != txn.EventStarted {
		t.Fatalf("kept %s, want the first event", event.Type)
	}
}

func TestBroadcaster_CloseStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(4)
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
	b.Publish(txn.Event{Type: txn.EventStarted})

	late := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after Close to be closed")
	}
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(1)
			b.Publish(txn.Event{Type: txn.EventStepCompleted})
			b.Unsubscribe(ch)
		}()
	}
	for i := 0; i < 100; i++ {
		b.Publish(txn.Event{Type: txn.EventStepCompleted})
	}
	wg.Wait()
}
