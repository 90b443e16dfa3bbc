package submanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut07"
	"github.com/elnosh/nutsend/cashu/nuts/nut17"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/metrics"
)

type SpentFunc func(swap *wallet.SendSwap)

type proofSubscription struct {
	subscription
	mintURL string
	unit    cashu.Unit
	swaps   map[string]*wallet.SendSwap
	// swap id -> Y -> last state seen
	states map[string]map[string]nut07.State
	// Y -> swap ids
	owners  map[string][]string
	onSpent SpentFunc
}

func (s *proofSubscription) swapIds() []string {
	ids := make([]string, 0, len(s.swaps))
	for id := range s.swaps {
		ids = append(ids, id)
	}
	return ids
}

func (s *proofSubscription) swapList() []*wallet.SendSwap {
	swaps := make([]*wallet.SendSwap, 0, len(s.swaps))
	for _, swap := range s.swaps {
		swaps = append(swaps, swap)
	}
	return swaps
}

func (s *proofSubscription) filters() []string {
	Ys := make([]string, 0, len(s.owners))
	for Y := range s.owners {
		Ys = append(Ys, Y)
	}
	return Ys
}

// ProofSubscriptionManager watches the proofs of pending send swaps and
// reports a swap once all of its proofs are spent.
type ProofSubscriptionManager struct {
	pool    *Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   mintLocks

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*proofSubscription
	gens map[string]uint64
	// swaps already reported
	fired map[string]struct{}
}

func NewProofSubscriptionManager(config Config) *ProofSubscriptionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProofSubscriptionManager{
		pool:    config.Pool,
		logger:  loggerOrDefault(config.Logger),
		metrics: config.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*proofSubscription),
		gens:    make(map[string]uint64),
		fired:   make(map[string]struct{}),
	}
}

// Subscribe watches the ProofsToSend of swaps at mintURL. onSpent is
// called once per swap, the first time every one of its proofs is seen
// spent. Reuse and replacement follow MeltSubscriptionManager.Subscribe.
// If the socket drops the same swaps are subscribed again.
func (m *ProofSubscriptionManager) Subscribe(ctx context.Context, mintURL string, swaps []*wallet.SendSwap,
	onSpent SpentFunc) error {

	mintURL = normalizeURL(mintURL)
	sub := &proofSubscription{
		mintURL: mintURL,
		swaps:   make(map[string]*wallet.SendSwap),
		states:  make(map[string]map[string]nut07.State),
		owners:  make(map[string][]string),
		onSpent: onSpent,
	}

	m.mu.Lock()
	for _, swap := range swaps {
		if _, ok := m.fired[swap.ID]; !ok {
			sub.swaps[swap.ID] = swap
		}
	}
	m.mu.Unlock()

	for _, swap := range sub.swaps {
		unit, err := swap.Currency.Unit()
		if err != nil {
			return err
		}
		sub.unit = unit
		if err := sub.track(swap); err != nil {
			return err
		}
	}

	unlock := m.locks.lock(mintURL)
	defer unlock()
	return m.subscribe(ctx, sub)
}

func (m *ProofSubscriptionManager) Unsubscribe(ctx context.Context, mintURL string) error {
	return m.Subscribe(ctx, mintURL, nil, nil)
}

func (s *proofSubscription) track(swap *wallet.SendSwap) error {
	Ys, err := wallet.ProofYs(swap.ProofsToSend)
	if err != nil {
		return err
	}
	states := make(map[string]nut07.State, len(Ys))
	for _, Y := range Ys {
		states[Y] = nut07.Unknown
		s.owners[Y] = append(s.owners[Y], swap.ID)
	}
	s.states[swap.ID] = states
	return nil
}

// subscribe must be called with the mint lock held.
func (m *ProofSubscriptionManager) subscribe(ctx context.Context, sub *proofSubscription) error {
	m.mu.Lock()
	current := m.subs[sub.mintURL]
	if current != nil && !current.conn.Closed() && len(sub.swaps) > 0 &&
		containsAll(current.swapIds(), sub.swapIds()) {
		current.onSpent = sub.onSpent
		m.mu.Unlock()
		return nil
	}
	m.gens[sub.mintURL]++
	sub.gen = m.gens[sub.mintURL]
	delete(m.subs, sub.mintURL)
	m.mu.Unlock()

	if current != nil {
		teardownCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
		if err := current.teardown(teardownCtx); err != nil {
			m.logger.Warn("could not unsubscribe from proof states", "mint", sub.mintURL, "error", err)
		}
		cancel()
	}
	if len(sub.swaps) == 0 {
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

func (m *ProofSubscriptionManager) setup(ctx context.Context, sub *proofSubscription) error {
	return backoff.Retry(func() error {
		conn, err := m.pool.Conn(ctx, sub.mintURL, nut17.ProofState, sub.unit)
		if errors.Is(err, ErrNUT17NotSupported) {
			return backoff.Permanent(err)
		} else if err != nil {
			return err
		}
		subId, err := conn.Subscribe(ctx, nut17.ProofState, sub.filters(), func(payload json.RawMessage) {
			m.handleState(sub, payload)
		})
		if err != nil {
			return err
		}
		sub.conn = conn
		sub.subId = subId
		return nil
	}, setupBackoff(ctx))
}

// install must be called with the mint lock held.
func (m *ProofSubscriptionManager) install(sub *proofSubscription) {
	// the listener belongs to this socket only, a new one is registered
	// on every resubscribe
	sub.removeListener = sub.conn.AddCloseListener(func() { m.reconnect(sub) })
	m.mu.Lock()
	m.subs[sub.mintURL] = sub
	m.mu.Unlock()
	if sub.conn.Closed() {
		go m.reconnect(sub)
	}

	m.logger.Debug("subscribed to proof states", "mint", sub.mintURL, "swaps", len(sub.swaps))
}

func (m *ProofSubscriptionManager) handleState(sub *proofSubscription, payload json.RawMessage) {
	var proofState nut07.ProofState
	if err := json.Unmarshal(payload, &proofState); err != nil {
		m.logger.Warn("invalid proof state notification", "mint", sub.mintURL, "error", err)
		return
	}

	var spent []*wallet.SendSwap
	m.mu.Lock()
	for _, swapId := range sub.owners[proofState.Y] {
		states, ok := sub.states[swapId]
		if !ok {
			continue
		}
		// spent proofs cannot become unspent again
		if states[proofState.Y] != nut07.Spent {
			states[proofState.Y] = proofState.State
		}
		if !allSpent(states) {
			continue
		}
		spent = append(spent, sub.swaps[swapId])
		delete(sub.states, swapId)
		delete(sub.swaps, swapId)
		m.fired[swapId] = struct{}{}
	}
	onSpent := sub.onSpent
	m.mu.Unlock()

	for _, swap := range spent {
		m.logger.Debug("send swap proofs spent", "swap", swap.ID)
		if onSpent != nil {
			onSpent(swap)
		}
	}
}

func allSpent(states map[string]nut07.State) bool {
	for _, state := range states {
		if state != nut07.Spent {
			return false
		}
	}
	return true
}

func (m *ProofSubscriptionManager) reconnect(sub *proofSubscription) {
	m.metrics.SubscriptionReconnect(nut17.ProofState.String())
	m.logger.Info("proof state subscription dropped, resubscribing", "mint", sub.mintURL)

	err := backoff.Retry(func() error {
		unlock := m.locks.lock(sub.mintURL)
		defer unlock()

		m.mu.Lock()
		gen := m.gens[sub.mintURL]
		swaps := sub.swapList()
		onSpent := sub.onSpent
		m.mu.Unlock()
		if gen != sub.gen {
			// replaced or removed in the meantime
			return nil
		}

		next := &proofSubscription{
			subscription: subscription{gen: sub.gen},
			mintURL:      sub.mintURL,
			unit:         sub.unit,
			swaps:        make(map[string]*wallet.SendSwap),
			states:       make(map[string]map[string]nut07.State),
			owners:       make(map[string][]string),
			onSpent:      onSpent,
		}
		for _, swap := range swaps {
			next.swaps[swap.ID] = swap
			if err := next.track(swap); err != nil {
				return backoff.Permanent(err)
			}
		}
		if len(next.swaps) == 0 {
			m.mu.Lock()
			if m.subs[sub.mintURL] == sub {
				delete(m.subs, sub.mintURL)
			}
			m.mu.Unlock()
			return nil
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
		m.logger.Error("could not resubscribe to proof states", "mint", sub.mintURL, "error", err)
	}
}

func (m *ProofSubscriptionManager) Close() {
	m.cancel()

	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*proofSubscription)
	m.mu.Unlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		sub.teardown(ctx)
		cancel()
	}
}
