package changefeed

import (
	"context"
	"testing"
	"time"
)

func TestPublish(t *testing.T) {
	feed := New()
	quotes := feed.Subscribe(SendQuotes)
	defer feed.Unsubscribe(quotes)
	swaps := feed.Subscribe(SendSwaps)
	defer feed.Unsubscribe(swaps)

	feed.Publish(Event{Table: SendQuotes, Kind: Insert, ID: "quote1"})

	event := receive(t, quotes)
	if event.ID != "quote1" || event.Kind != Insert {
		t.Fatalf("unexpected event: %+v", event)
	}

	select {
	case event := <-swaps.Events():
		t.Fatalf("did not expect event on swaps table but got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnect(t *testing.T) {
	feed := New()
	sub := feed.Subscribe(SendSwaps)
	defer feed.Unsubscribe(sub)

	feed.SetConnected(false)
	// missed while disconnected
	feed.Publish(Event{Table: SendSwaps, Kind: Update, ID: "swap1"})
	feed.SetConnected(true)

	event := receive(t, sub)
	if event.Kind != Reconnected {
		t.Fatalf("expected reconnected event but got %v", event.Kind)
	}
	if event.Table != SendSwaps {
		t.Fatalf("expected table '%v' but got '%v'", SendSwaps, event.Table)
	}

	select {
	case event := <-sub.Events():
		t.Fatalf("expected no more events but got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	feed := New()
	sub := feed.Subscribe(Accounts)
	feed.Unsubscribe(sub)

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriber to be done")
	}

	// must not block with no readers
	for i := 0; i < subscriberBuffer+10; i++ {
		feed.Publish(Event{Table: Accounts, Kind: Update})
	}
}

type record struct {
	value   string
	version int64
}

func TestProjection(t *testing.T) {
	projection := NewProjection(context.Background(), func(r record) int64 { return r.version })

	if projection.UpdateIfPresent("a", record{"a1", 1}) {
		t.Fatal("expected update of untracked record to be ignored")
	}

	projection.Insert("a", record{"a2", 2})
	projection.Insert("a", record{"a1", 1})
	if r, _ := projection.Get("a"); r.value != "a2" {
		t.Fatalf("expected insert of older version to be ignored but got '%v'", r.value)
	}

	if projection.UpdateIfPresent("a", record{"a2-dup", 2}) {
		t.Fatal("expected update with same version to be ignored")
	}
	if !projection.UpdateIfPresent("a", record{"a3", 3}) {
		t.Fatal("expected newer version to replace record")
	}

	projection.Insert("b", record{"b1", 1})
	if projection.Len() != 2 {
		t.Fatalf("expected 2 records but got %v", projection.Len())
	}

	projection.Remove("a")
	if _, ok := projection.Get("a"); ok {
		t.Fatal("expected record to be removed")
	}

	projection.Clear()
	if len(projection.Values()) != 0 {
		t.Fatal("expected empty projection after clear")
	}
}

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}
