package submanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/cashu/nuts/nut17"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/metrics"
)

type MeltUpdateFunc func(nut05.PostMeltQuoteBolt11Response)

type meltSubscription struct {
	subscription
	mintURL  string
	unit     cashu.Unit
	quoteIds []string
	onUpdate MeltUpdateFunc
}

// MeltSubscriptionManager keeps at most one melt quote subscription per
// mint and the local expiry timers of send quotes.
type MeltSubscriptionManager struct {
	pool    *Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   mintLocks

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu     sync.Mutex
	subs   map[string]*meltSubscription
	gens   map[string]uint64
	timers map[string]*time.Timer
}

func NewMeltSubscriptionManager(config Config) *MeltSubscriptionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &MeltSubscriptionManager{
		pool:    config.Pool,
		logger:  loggerOrDefault(config.Logger),
		metrics: config.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		subs:    make(map[string]*meltSubscription),
		gens:    make(map[string]uint64),
		timers:  make(map[string]*time.Timer),
	}
}

// Subscribe makes sure the mint pushes melt quote updates for every
// quote to onUpdate. A current subscription covering all of them is
// kept, otherwise it is torn down and replaced by one covering exactly
// quotes. An empty quotes removes the subscription.
func (m *MeltSubscriptionManager) Subscribe(ctx context.Context, mintURL string, quotes []*wallet.SendQuote,
	onUpdate MeltUpdateFunc) error {

	mintURL = normalizeURL(mintURL)
	quoteIds := make([]string, 0, len(quotes))
	var unit cashu.Unit
	for _, quote := range quotes {
		if !slices.Contains(quoteIds, quote.QuoteID) {
			quoteIds = append(quoteIds, quote.QuoteID)
		}
		quoteUnit, err := quote.Currency.Unit()
		if err != nil {
			return err
		}
		unit = quoteUnit
	}

	unlock := m.locks.lock(mintURL)
	defer unlock()
	return m.subscribe(ctx, &meltSubscription{
		mintURL:  mintURL,
		unit:     unit,
		quoteIds: quoteIds,
		onUpdate: onUpdate,
	})
}

// Unsubscribe removes the subscription to mintURL.
func (m *MeltSubscriptionManager) Unsubscribe(ctx context.Context, mintURL string) error {
	return m.Subscribe(ctx, mintURL, nil, nil)
}

// subscribe must be called with the mint lock held.
func (m *MeltSubscriptionManager) subscribe(ctx context.Context, sub *meltSubscription) error {
	m.mu.Lock()
	current := m.subs[sub.mintURL]
	if current != nil && !current.conn.Closed() && len(sub.quoteIds) > 0 &&
		containsAll(current.quoteIds, sub.quoteIds) {
		current.onUpdate = sub.onUpdate
		m.mu.Unlock()
		return nil
	}
	// stops a reconnect still working on current
	m.gens[sub.mintURL]++
	sub.gen = m.gens[sub.mintURL]
	delete(m.subs, sub.mintURL)
	m.mu.Unlock()

	if current != nil {
		teardownCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
		if err := current.teardown(teardownCtx); err != nil {
			m.logger.Warn("could not unsubscribe from melt quotes", "mint", sub.mintURL, "error", err)
		}
		cancel()
	}
	if len(sub.quoteIds) == 0 {
		return nil
	}

	if err := m.setup(ctx, sub); err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrNUT17NotSupported) {
			// the caller still gets the error, the mint is retried in the background
			go m.reconnect(sub)
		}
		return err
	}
	m.install(sub)
	return nil
}

// setup opens the subscription on the mint's socket without touching
// the registry.
func (m *MeltSubscriptionManager) setup(ctx context.Context, sub *meltSubscription) error {
	return backoff.Retry(func() error {
		conn, err := m.pool.Conn(ctx, sub.mintURL, nut17.Bolt11MeltQuote, sub.unit)
		if errors.Is(err, ErrNUT17NotSupported) {
			return backoff.Permanent(err)
		} else if err != nil {
			return err
		}
		subId, err := conn.Subscribe(ctx, nut17.Bolt11MeltQuote, sub.quoteIds, func(payload json.RawMessage) {
			m.handleUpdate(sub, payload)
		})
		if err != nil {
			return err
		}
		sub.conn = conn
		sub.subId = subId
		return nil
	}, setupBackoff(ctx))
}

// install registers sub for its mint and resubscribes when its socket
// drops. Must be called with the mint lock held.
func (m *MeltSubscriptionManager) install(sub *meltSubscription) {
	sub.removeListener = sub.conn.AddCloseListener(func() { m.reconnect(sub) })
	m.mu.Lock()
	m.subs[sub.mintURL] = sub
	m.mu.Unlock()
	if sub.conn.Closed() {
		go m.reconnect(sub)
	}

	m.logger.Debug("subscribed to melt quotes", "mint", sub.mintURL, "quotes", len(sub.quoteIds))
}

func (m *MeltSubscriptionManager) handleUpdate(sub *meltSubscription, payload json.RawMessage) {
	var quote nut05.PostMeltQuoteBolt11Response
	if err := json.Unmarshal(payload, &quote); err != nil {
		m.logger.Warn("invalid melt quote notification", "mint", sub.mintURL, "error", err)
		return
	}

	m.mu.Lock()
	onUpdate := sub.onUpdate
	m.mu.Unlock()
	if onUpdate != nil {
		onUpdate(quote)
	}
}

// reconnect subscribes to the quotes of sub again until it succeeds or
// the mint moves to a newer generation. Failed attempts do not end the
// loop.
func (m *MeltSubscriptionManager) reconnect(sub *meltSubscription) {
	m.metrics.SubscriptionReconnect(nut17.Bolt11MeltQuote.String())
	m.logger.Info("melt quote subscription dropped, resubscribing", "mint", sub.mintURL)

	err := backoff.Retry(func() error {
		unlock := m.locks.lock(sub.mintURL)
		defer unlock()

		m.mu.Lock()
		gen := m.gens[sub.mintURL]
		onUpdate := sub.onUpdate
		m.mu.Unlock()
		if gen != sub.gen {
			// replaced or removed in the meantime
			return nil
		}

		next := &meltSubscription{
			subscription: subscription{gen: sub.gen},
			mintURL:      sub.mintURL,
			unit:         sub.unit,
			quoteIds:     sub.quoteIds,
			onUpdate:     onUpdate,
		}
		if err := m.setup(m.ctx, next); errors.Is(err, ErrNUT17NotSupported) {
			return backoff.Permanent(err)
		} else if err != nil {
			return err
		}
		m.install(next)
		return nil
	}, reconnectBackoff(m.ctx))
	if err != nil && m.ctx.Err() == nil {
		m.logger.Error("could not resubscribe to melt quotes", "mint", sub.mintURL, "error", err)
	}
}

// ScheduleExpiry calls onExpire with the quote id once quote expires.
// Mints do not push expiry so this is a local timer. Scheduling again
// replaces the previous timer.
func (m *MeltSubscriptionManager) ScheduleExpiry(quote *wallet.SendQuote, onExpire func(id string)) {
	delay := max(quote.ExpiresAt.Sub(m.now()), 0)
	id := quote.ID

	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timers[id] == timer {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		onExpire(id)
	})
	m.timers[id] = timer
}

func (m *MeltSubscriptionManager) CancelExpiry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
}

// Close stops the expiry timers and unsubscribes from every mint.
func (m *MeltSubscriptionManager) Close() {
	m.cancel()

	m.mu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	subs := m.subs
	m.subs = make(map[string]*meltSubscription)
	m.mu.Unlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		sub.teardown(ctx)
		cancel()
	}
}
