// Package processor drives a user's send quotes and send swaps to a
// final state. It mirrors the unresolved records of the store, keeps
// the mint subscriptions in line with them and maps what the mints
// report to service transitions.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/cashu/nuts/nut07"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/sendquote"
	"github.com/elnosh/nutsend/wallet/sendswap"
	"github.com/elnosh/nutsend/wallet/storage"
	"github.com/elnosh/nutsend/wallet/submanager"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval = 30 * time.Second
	paymentFailedReason  = "payment failed"
)

// Leader reports whether this instance may run background
// transitions. *leader.Lease implements it.
type Leader interface {
	IsLeader() bool
}

type Config struct {
	UserID             string
	Feed               *changefeed.Feed
	Store              storage.Store
	Mints              wallet.MintClients
	SendQuotes         *sendquote.Service
	SendSwaps          *sendswap.Service
	MeltSubscriptions  *submanager.MeltSubscriptionManager
	ProofSubscriptions *submanager.ProofSubscriptionManager
	Leader             Leader
	// SweepInterval is how often the leader polls mints for records
	// that push updates did not resolve.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

type Processor struct {
	userID        string
	feed          *changefeed.Feed
	store         storage.Store
	mints         wallet.MintClients
	sendQuotes    *sendquote.Service
	sendSwaps     *sendswap.Service
	melts         *submanager.MeltSubscriptionManager
	proofs        *submanager.ProofSubscriptionManager
	leader        Leader
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	quotes *changefeed.Projection[*wallet.SendQuote]
	swaps  *changefeed.Projection[*wallet.SendSwap]

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	// latest melt update that arrived while its quote was in flight
	queued      map[string]func(ctx context.Context)
	accountMint map[string]string
	mintLocks   map[string]*sync.Mutex
}

func New(config Config) (*Processor, error) {
	if config.UserID == "" || config.Feed == nil || config.Store == nil || config.Mints == nil ||
		config.SendQuotes == nil || config.SendSwaps == nil ||
		config.MeltSubscriptions == nil || config.ProofSubscriptions == nil || config.Leader == nil {
		return nil, errors.New("processor config is incomplete")
	}
	sweepInterval := config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		userID:        config.UserID,
		feed:          config.Feed,
		store:         config.Store,
		mints:         config.Mints,
		sendQuotes:    config.SendQuotes,
		sendSwaps:     config.SendSwaps,
		melts:         config.MeltSubscriptions,
		proofs:        config.ProofSubscriptions,
		leader:        config.Leader,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
		inflight:      make(map[string]struct{}),
		queued:        make(map[string]func(ctx context.Context)),
		accountMint:   make(map[string]string),
		mintLocks:     make(map[string]*sync.Mutex),
	}, nil
}

// Run processes records until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	p.ctx = ctx
	p.quotes = changefeed.NewProjection(ctx, func(q *wallet.SendQuote) int64 { return q.Version })
	p.swaps = changefeed.NewProjection(ctx, func(s *wallet.SendSwap) int64 { return s.Version })

	quoteEvents := p.feed.Subscribe(changefeed.SendQuotes)
	defer p.feed.Unsubscribe(quoteEvents)
	swapEvents := p.feed.Subscribe(changefeed.SendSwaps)
	defer p.feed.Unsubscribe(swapEvents)

	if err := p.Refetch(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.logger.Info("send processor started", "user", p.userID)
	for {
		select {
		case event := <-quoteEvents.Events():
			if event.Kind == changefeed.Reconnected {
				p.refetch(ctx)
				continue
			}
			if quote, ok := event.Record.(*wallet.SendQuote); ok {
				p.onQuoteEvent(ctx, event.Kind, quote)
			}
		case event := <-swapEvents.Events():
			if event.Kind == changefeed.Reconnected {
				p.refetch(ctx)
				continue
			}
			if swap, ok := event.Record.(*wallet.SendSwap); ok {
				p.onSwapEvent(ctx, event.Kind, swap)
			}
		case <-ticker.C:
			if p.leader.IsLeader() {
				p.sweep(ctx)
			}
		case <-ctx.Done():
			p.logger.Info("send processor stopped", "user", p.userID)
			return nil
		}
	}
}

func (p *Processor) refetch(ctx context.Context) {
	p.logger.Info("change feed reconnected, refetching unresolved records", "user", p.userID)
	if err := p.Refetch(ctx); err != nil {
		p.logger.Error("could not refetch unresolved records", "user", p.userID, "error", err)
	}
}

// Refetch replaces the mirrored records with the unresolved ones in
// the store and subscribes to their mints again.
func (p *Processor) Refetch(ctx context.Context) error {
	quotes, err := p.store.GetUnresolvedSendQuotes(ctx, p.userID)
	if err != nil {
		return err
	}
	swaps, err := p.store.GetUnresolvedSendSwaps(ctx, p.userID)
	if err != nil {
		return err
	}

	p.quotes.Clear()
	p.swaps.Clear()
	mints := make(map[string]struct{})
	for _, quote := range quotes {
		p.quotes.Insert(quote.ID, quote)
		if quote.State == wallet.SendQuoteUnpaid {
			p.melts.ScheduleExpiry(quote, p.onExpire)
		}
		mintURL, err := p.quoteMint(ctx, quote)
		if err != nil {
			return err
		}
		mints[mintURL] = struct{}{}
	}
	for _, swap := range swaps {
		p.swaps.Insert(swap.ID, swap)
		mints[normalizeURL(swap.MintURL)] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for mintURL := range mints {
		g.Go(func() error {
			p.syncMint(gctx, mintURL)
			return nil
		})
	}
	g.Wait()

	for _, swap := range swaps {
		if swap.State == wallet.SendSwapDraft {
			p.dispatchSwap(swap)
		}
	}
	return nil
}

func (p *Processor) onQuoteEvent(ctx context.Context, kind changefeed.Kind, quote *wallet.SendQuote) {
	if quote.UserID != p.userID {
		return
	}
	mintURL, err := p.quoteMint(ctx, quote)
	if err != nil {
		p.logger.Error("could not find account of send quote", "quote", quote.ID, "error", err)
		return
	}

	if quote.State.IsFinal() {
		p.quotes.Remove(quote.ID)
		p.melts.CancelExpiry(quote.ID)
		p.syncMint(ctx, mintURL)
		return
	}

	tracked := kind == changefeed.Update && p.quotes.UpdateIfPresent(quote.ID, quote)
	if !tracked {
		p.quotes.Insert(quote.ID, quote)
	}
	if quote.State == wallet.SendQuoteUnpaid {
		p.melts.ScheduleExpiry(quote, p.onExpire)
	} else {
		p.melts.CancelExpiry(quote.ID)
	}
	if !tracked {
		p.syncMint(ctx, mintURL)
	}
}

func (p *Processor) onSwapEvent(ctx context.Context, kind changefeed.Kind, swap *wallet.SendSwap) {
	if swap.UserID != p.userID {
		return
	}
	mintURL := normalizeURL(swap.MintURL)

	if swap.State.IsFinal() {
		p.swaps.Remove(swap.ID)
		p.syncMint(ctx, mintURL)
		return
	}

	if kind == changefeed.Insert || !p.swaps.UpdateIfPresent(swap.ID, swap) {
		p.swaps.Insert(swap.ID, swap)
	}
	switch swap.State {
	case wallet.SendSwapDraft:
		p.dispatchSwap(swap)
	case wallet.SendSwapPending:
		p.syncMint(ctx, mintURL)
	}
}

// syncMint subscribes to the mint for the unresolved quotes and
// pending swaps currently mirrored for it.
func (p *Processor) syncMint(ctx context.Context, mintURL string) {
	unlock := p.lockMint(mintURL)
	defer unlock()

	var quotes []*wallet.SendQuote
	for _, quote := range p.quotes.Values() {
		quoteMint, err := p.quoteMint(ctx, quote)
		if err == nil && quoteMint == mintURL && !quote.State.IsFinal() {
			quotes = append(quotes, quote)
		}
	}
	var swaps []*wallet.SendSwap
	for _, swap := range p.swaps.Values() {
		if normalizeURL(swap.MintURL) == mintURL && swap.State == wallet.SendSwapPending {
			swaps = append(swaps, swap)
		}
	}

	err := p.melts.Subscribe(ctx, mintURL, quotes, p.onMeltUpdate)
	if errors.Is(err, submanager.ErrNUT17NotSupported) {
		p.logger.Debug("mint does not push melt quote updates", "mint", mintURL)
	} else if err != nil {
		p.logger.Warn("could not subscribe to melt quotes", "mint", mintURL, "error", err)
	}

	err = p.proofs.Subscribe(ctx, mintURL, swaps, p.onProofsSpent)
	if errors.Is(err, submanager.ErrNUT17NotSupported) {
		p.logger.Debug("mint does not push proof states", "mint", mintURL)
	} else if err != nil {
		p.logger.Warn("could not subscribe to proof states", "mint", mintURL, "error", err)
	}
}

func (p *Processor) lockMint(mintURL string) func() {
	p.mu.Lock()
	lock, ok := p.mintLocks[mintURL]
	if !ok {
		lock = &sync.Mutex{}
		p.mintLocks[mintURL] = lock
	}
	p.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (p *Processor) quoteMint(ctx context.Context, quote *wallet.SendQuote) (string, error) {
	p.mu.Lock()
	mintURL, ok := p.accountMint[quote.AccountID]
	p.mu.Unlock()
	if ok {
		return mintURL, nil
	}

	account, err := p.store.GetAccount(ctx, quote.AccountID)
	if err != nil {
		return "", err
	}
	mintURL = normalizeURL(account.MintURL)
	p.mu.Lock()
	p.accountMint[quote.AccountID] = mintURL
	p.mu.Unlock()
	return mintURL, nil
}

// goDispatch runs fn for id in the background unless id is already
// being dispatched, in which case fn is dropped.
func (p *Processor) goDispatch(id string, fn func(ctx context.Context)) {
	p.dispatch(id, fn, false)
}

// goDispatchLatest is goDispatch, except that an fn arriving while id is
// in flight runs once the current one ends. Only the latest one is kept.
func (p *Processor) goDispatchLatest(id string, fn func(ctx context.Context)) {
	p.dispatch(id, fn, true)
}

func (p *Processor) dispatch(id string, fn func(ctx context.Context), queue bool) {
	if p.ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.inflight[id]; ok {
		if queue {
			p.queued[id] = fn
		}
		p.mu.Unlock()
		return
	}
	p.inflight[id] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for fn != nil {
			fn(p.ctx)
			fn = p.next(id)
		}
	}()
}

// next hands over what was queued for id while it ran, or ends its
// dispatch.
func (p *Processor) next(id string) func(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn, ok := p.queued[id]
	delete(p.queued, id)
	if ok && p.ctx.Err() == nil {
		return fn
	}
	delete(p.inflight, id)
	return nil
}

func (p *Processor) onMeltUpdate(meltQuote nut05.PostMeltQuoteBolt11Response) {
	for _, quote := range p.quotes.Values() {
		if quote.QuoteID == meltQuote.Quote {
			p.goDispatchLatest(quote.ID, func(ctx context.Context) {
				p.handleMeltState(ctx, quote.ID, &meltQuote)
			})
			return
		}
	}
}

func (p *Processor) onExpire(id string) {
	if !p.leader.IsLeader() {
		return
	}
	p.goDispatch(id, func(ctx context.Context) {
		quote, ok := p.latestQuote(ctx, id)
		if !ok || quote.State != wallet.SendQuoteUnpaid {
			return
		}
		p.expire(ctx, quote)
	})
}

func (p *Processor) onProofsSpent(spent *wallet.SendSwap) {
	if !p.leader.IsLeader() {
		return
	}
	p.goDispatch(spent.ID, func(ctx context.Context) {
		swap, ok := p.latestSwap(ctx, spent.ID)
		if !ok || swap.State != wallet.SendSwapPending {
			return
		}
		p.completeSwap(ctx, swap)
	})
}

func (p *Processor) dispatchSwap(swap *wallet.SendSwap) {
	if !p.leader.IsLeader() {
		return
	}
	p.goDispatch(swap.ID, func(ctx context.Context) {
		swap, ok := p.latestSwap(ctx, swap.ID)
		if !ok || swap.State != wallet.SendSwapDraft {
			return
		}
		p.swapForProofsToSend(ctx, swap)
	})
}

func (p *Processor) latestQuote(ctx context.Context, id string) (*wallet.SendQuote, bool) {
	quote, err := p.store.GetSendQuote(ctx, id)
	if err != nil {
		p.logger.Error("could not get send quote", "quote", id, "error", err)
		return nil, false
	}
	return quote, true
}

func (p *Processor) latestSwap(ctx context.Context, id string) (*wallet.SendSwap, bool) {
	swap, err := p.store.GetSendSwap(ctx, id)
	if err != nil {
		p.logger.Error("could not get send swap", "swap", id, "error", err)
		return nil, false
	}
	return swap, true
}

// handleMeltState moves the quote along to what the mint reports for
// its melt quote. Only the leader acts on it.
func (p *Processor) handleMeltState(ctx context.Context, id string, meltQuote *nut05.PostMeltQuoteBolt11Response) {
	if !p.leader.IsLeader() {
		return
	}
	quote, ok := p.latestQuote(ctx, id)
	if !ok || quote.State.IsFinal() {
		return
	}

	switch meltQuote.State {
	case nut05.Unpaid:
		switch quote.State {
		case wallet.SendQuoteUnpaid:
			if !p.now().Before(quote.ExpiresAt) {
				p.expire(ctx, quote)
				return
			}
			p.initiate(ctx, quote, meltQuote)
		case wallet.SendQuotePending:
			p.failQuote(ctx, quote, paymentFailedReason)
		}
	case nut05.Pending:
		if quote.State == wallet.SendQuoteUnpaid {
			p.markPending(ctx, quote)
		}
	case nut05.Paid:
		p.completeQuote(ctx, quote, meltQuote)
	}
}

func (p *Processor) initiate(ctx context.Context, quote *wallet.SendQuote, meltQuote *nut05.PostMeltQuoteBolt11Response) {
	account, err := p.store.GetAccount(ctx, quote.AccountID)
	if err != nil {
		p.logger.Error("could not get account", "account", quote.AccountID, "error", err)
		return
	}

	p.logger.Info("paying send quote", "quote", quote.ID, "melt_quote", quote.QuoteID)
	result, err := p.sendQuotes.InitiateSend(ctx, account, quote, meltQuote)
	var cashuErr cashu.Error
	switch {
	case err == nil:
		switch result.State {
		case nut05.Paid:
			p.completeQuote(ctx, quote, result)
		case nut05.Pending:
			p.markPending(ctx, quote)
		default:
			p.failQuote(ctx, quote, paymentFailedReason)
		}
	case cashu.IsErrorCode(err, cashu.MeltQuotePendingErrCode):
		p.markPending(ctx, quote)
	case errors.Is(err, wallet.ErrInvalidTransition):
		p.logger.Error("could not initiate send quote", "quote", quote.ID, "error", err)
	case errors.As(err, &cashuErr):
		p.failQuote(ctx, quote, cashuErr.Error())
	default:
		// not known if the mint got the request. The next melt quote
		// update or sweep decides.
		p.logger.Warn("could not reach mint to pay send quote", "quote", quote.ID, "error", err)
	}
}

func (p *Processor) markPending(ctx context.Context, quote *wallet.SendQuote) (*wallet.SendQuote, bool) {
	pending, err := p.sendQuotes.MarkSendQuoteAsPending(ctx, quote)
	if err != nil {
		p.logError(ctx, "could not mark send quote as pending", quote.ID, err)
		return nil, false
	}
	p.quotes.Insert(pending.ID, pending)
	p.melts.CancelExpiry(pending.ID)
	return pending, true
}

func (p *Processor) completeQuote(ctx context.Context, quote *wallet.SendQuote, meltQuote *nut05.PostMeltQuoteBolt11Response) {
	if quote.State == wallet.SendQuoteUnpaid {
		var ok bool
		if quote, ok = p.markPending(ctx, quote); !ok {
			return
		}
	}
	account, err := p.store.GetAccount(ctx, quote.AccountID)
	if err != nil {
		p.logger.Error("could not get account", "account", quote.AccountID, "error", err)
		return
	}
	paid, _, err := p.sendQuotes.CompleteSendQuote(ctx, account, quote, meltQuote)
	if err != nil {
		p.logError(ctx, "could not complete send quote", quote.ID, err)
		return
	}
	p.logger.Info("send quote paid", "quote", paid.ID, "amount_spent", paid.AmountSpent,
		"lightning_fee", paid.LightningFee)
	p.quotes.Remove(paid.ID)
}

func (p *Processor) failQuote(ctx context.Context, quote *wallet.SendQuote, reason string) {
	account, err := p.store.GetAccount(ctx, quote.AccountID)
	if err != nil {
		p.logger.Error("could not get account", "account", quote.AccountID, "error", err)
		return
	}
	failed, _, err := p.sendQuotes.FailSendQuote(ctx, account, quote, reason)
	if err != nil {
		p.logError(ctx, "could not fail send quote", quote.ID, err)
		return
	}
	p.logger.Info("send quote failed", "quote", failed.ID, "reason", reason)
	p.quotes.Remove(failed.ID)
	p.melts.CancelExpiry(failed.ID)
}

func (p *Processor) expire(ctx context.Context, quote *wallet.SendQuote) {
	account, err := p.store.GetAccount(ctx, quote.AccountID)
	if err != nil {
		p.logger.Error("could not get account", "account", quote.AccountID, "error", err)
		return
	}
	expired, _, err := p.sendQuotes.ExpireSendQuote(ctx, account, quote)
	if err != nil {
		p.logError(ctx, "could not expire send quote", quote.ID, err)
		return
	}
	p.logger.Info("send quote expired", "quote", expired.ID)
	p.quotes.Remove(expired.ID)
}

func (p *Processor) swapForProofsToSend(ctx context.Context, swap *wallet.SendSwap) {
	account, err := p.store.GetAccount(ctx, swap.AccountID)
	if err != nil {
		p.logger.Error("could not get account", "account", swap.AccountID, "error", err)
		return
	}
	swap, _, err = p.sendSwaps.SwapForProofsToSend(ctx, account, swap)
	if err != nil {
		p.logError(ctx, "could not swap for proofs to send", swap.ID, err)
		return
	}
	if swap.State == wallet.SendSwapFailed {
		p.logger.Warn("send swap failed", "swap", swap.ID, "reason", swap.FailureReason)
		p.swaps.Remove(swap.ID)
		return
	}
	p.swaps.Insert(swap.ID, swap)
}

func (p *Processor) completeSwap(ctx context.Context, swap *wallet.SendSwap) {
	completed, err := p.sendSwaps.Complete(ctx, swap)
	if err != nil {
		p.logError(ctx, "could not complete send swap", swap.ID, err)
		return
	}
	p.logger.Info("send swap completed", "swap", completed.ID)
	p.swaps.Remove(completed.ID)
}

func (p *Processor) logError(ctx context.Context, msg, id string, err error) {
	if errors.Is(err, storage.ErrConcurrencyConflict) {
		// another instance or tab moved the record on, its change
		// event brings the new version
		p.logger.Debug(msg, "id", id, "error", err)
		return
	}
	p.logger.Error(msg, "id", id, "error", err)
}

// sweep polls the mints for records push updates have not resolved:
// expired quotes, quotes on mints without subscriptions, DRAFT swaps
// and pending swaps whose proofs were spent unnoticed.
func (p *Processor) sweep(ctx context.Context) {
	for _, quote := range p.quotes.Values() {
		p.goDispatch(quote.ID, func(ctx context.Context) {
			quote, ok := p.latestQuote(ctx, quote.ID)
			if !ok || quote.State.IsFinal() {
				return
			}
			if quote.State == wallet.SendQuoteUnpaid && !p.now().Before(quote.ExpiresAt) {
				p.expire(ctx, quote)
				return
			}
			mintURL, err := p.quoteMint(ctx, quote)
			if err != nil {
				return
			}
			meltQuote, err := p.mints.Client(mintURL).GetMeltQuoteState(ctx, quote.QuoteID)
			if err != nil {
				p.logger.Warn("could not check melt quote", "quote", quote.ID, "error", err)
				return
			}
			p.handleMeltState(ctx, quote.ID, meltQuote)
		})
	}

	for _, swap := range p.swaps.Values() {
		switch swap.State {
		case wallet.SendSwapDraft:
			p.dispatchSwap(swap)
		case wallet.SendSwapPending:
			p.goDispatch(swap.ID, func(ctx context.Context) {
				if p.proofsSpent(ctx, swap) {
					swap, ok := p.latestSwap(ctx, swap.ID)
					if ok && swap.State == wallet.SendSwapPending {
						p.completeSwap(ctx, swap)
					}
				}
			})
		}
	}
}

func (p *Processor) proofsSpent(ctx context.Context, swap *wallet.SendSwap) bool {
	Ys, err := wallet.ProofYs(swap.ProofsToSend)
	if err != nil || len(Ys) == 0 {
		return false
	}
	response, err := p.mints.Client(swap.MintURL).PostCheckProofState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		p.logger.Warn("could not check proof states", "swap", swap.ID, "error", err)
		return false
	}
	if len(response.States) != len(Ys) {
		return false
	}
	for _, state := range response.States {
		if state.State != nut07.Spent {
			return false
		}
	}
	return true
}

func normalizeURL(mintURL string) string {
	return strings.TrimSuffix(mintURL, "/")
}
