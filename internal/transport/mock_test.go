package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"ardentmesh/pkg/wireevent"
)

func TestMockRelayDeliversToMatchingSubscriberOnly(t *testing.T) {
	r := NewMockRelay()
	var mu sync.Mutex
	var received []wireevent.Event

	unsub, err := r.Subscribe(context.Background(), wireevent.Filter{Kinds: []int{wireevent.KindChatRumor}}, func(ev wireevent.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	<-r.Publish(context.Background(), wireevent.Event{Kind: wireevent.KindChatRumor, ID: "a"})
	<-r.Publish(context.Background(), wireevent.Event{Kind: wireevent.KindReaction, ID: "b"})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].ID != "a" {
		t.Fatalf("expected exactly the matching kind to be delivered, got %+v", received)
	}
}

func TestMockRelayUnsubscribeStopsDelivery(t *testing.T) {
	r := NewMockRelay()
	var count int
	var mu sync.Mutex

	unsub, err := r.Subscribe(context.Background(), wireevent.Filter{}, func(ev wireevent.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	<-r.Publish(context.Background(), wireevent.Event{ID: "1"})
	unsub()
	unsub() // must be idempotent
	<-r.Publish(context.Background(), wireevent.Event{ID: "2"})

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected only the pre-unsubscribe publish to be delivered, got %d", count)
	}
}

func TestMockRelayDropRateCanDropEveryDelivery(t *testing.T) {
	r := NewMockRelay()
	r.DropRate = 1.0
	var count int
	var mu sync.Mutex

	_, err := r.Subscribe(context.Background(), wireevent.Filter{}, func(ev wireevent.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	<-r.Publish(context.Background(), wireevent.Event{ID: "1"})

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected DropRate=1.0 to drop every delivery, got %d", count)
	}
}

func TestMockRelayDuplicateRateCanDeliverTwice(t *testing.T) {
	r := NewMockRelay()
	r.DuplicateRate = 1.0
	var count int
	var mu sync.Mutex

	_, err := r.Subscribe(context.Background(), wireevent.Filter{}, func(ev wireevent.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	<-r.Publish(context.Background(), wireevent.Event{ID: "1"})

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected DuplicateRate=1.0 to deliver twice, got %d", count)
	}
}

func TestMockRelayReorderJitterEventuallyDelivers(t *testing.T) {
	r := NewMockRelay()
	r.ReorderJitter = 20 * time.Millisecond
	done := make(chan struct{}, 1)

	_, err := r.Subscribe(context.Background(), wireevent.Filter{}, func(ev wireevent.Event) {
		done <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}

	<-r.Publish(context.Background(), wireevent.Event{ID: "1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected jittered delivery to eventually arrive")
	}
}
