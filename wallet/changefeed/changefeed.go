// Package changefeed carries insert and update events for stored
// records to the components that mirror them. Delivery is at most
// once: a subscriber that sees a Reconnected event must refetch
// everything it mirrors.
package changefeed

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

type Table string

const (
	Accounts   Table = "accounts"
	SendQuotes Table = "send_quotes"
	SendSwaps  Table = "send_swaps"
)

type Kind int

const (
	Insert Kind = iota
	Update
	Reconnected
)

func (kind Kind) String() string {
	switch kind {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Reconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Table  Table
	Kind   Kind
	ID     string
	Record any
}

type subscribers map[string]*Subscriber

type Feed struct {
	mu        sync.RWMutex
	tables    map[Table]subscribers
	connected bool
}

func New() *Feed {
	return &Feed{
		tables:    make(map[Table]subscribers),
		connected: true,
	}
}

func (f *Feed) Subscribe(table Table) *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tables[table] == nil {
		f.tables[table] = make(subscribers)
	}
	s := newSubscriber(table)
	f.tables[table][s.id] = s
	return s
}

func (f *Feed) Unsubscribe(s *Subscriber) {
	f.mu.Lock()
	delete(f.tables[s.table], s.id)
	f.mu.Unlock()
	s.close()
}

// Publish delivers event to the table's subscribers. Events published
// while the feed is disconnected are dropped.
func (f *Feed) Publish(event Event) {
	f.mu.RLock()
	if !f.connected {
		f.mu.RUnlock()
		return
	}
	tableSubscribers := make([]*Subscriber, 0, len(f.tables[event.Table]))
	for _, s := range f.tables[event.Table] {
		tableSubscribers = append(tableSubscribers, s)
	}
	f.mu.RUnlock()

	for _, s := range tableSubscribers {
		s.signal(event)
	}
}

func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// SetConnected changes the feed status. Going from disconnected to
// connected sends a Reconnected event to every subscriber.
func (f *Feed) SetConnected(connected bool) {
	f.mu.Lock()
	reconnected := connected && !f.connected
	f.connected = connected
	var all []*Subscriber
	if reconnected {
		for _, tableSubscribers := range f.tables {
			for _, s := range tableSubscribers {
				all = append(all, s)
			}
		}
	}
	f.mu.Unlock()

	for _, s := range all {
		s.signal(Event{Table: s.table, Kind: Reconnected})
	}
}

const subscriberBuffer = 256

type Subscriber struct {
	id     string
	table  Table
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(table Table) *Subscriber {
	id := make([]byte, 16)
	rand.Read(id)

	return &Subscriber{
		id:     hex.EncodeToString(id),
		table:  table,
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
}

func (s *Subscriber) signal(event Event) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}
