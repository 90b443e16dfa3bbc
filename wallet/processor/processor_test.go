package processor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/testutils"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/client"
	"github.com/elnosh/nutsend/wallet/keysets"
	"github.com/elnosh/nutsend/wallet/receive"
	"github.com/elnosh/nutsend/wallet/sendquote"
	"github.com/elnosh/nutsend/wallet/sendswap"
	"github.com/elnosh/nutsend/wallet/storage/sqlite"
	"github.com/elnosh/nutsend/wallet/submanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type testLeader struct {
	atomic.Bool
}

func (l *testLeader) IsLeader() bool {
	return l.Load()
}

type testEnv struct {
	userID string
	mint   *testutils.FakeMint
	feed   *changefeed.Feed
	db     *sqlite.SQLiteDB
	leader *testLeader
	quotes *sendquote.Service
	swaps  *sendswap.Service
}

func setup(t *testing.T, leader bool, sweepInterval time.Duration) *testEnv {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mint := testutils.NewFakeMint()
	t.Cleanup(mint.Close)

	feed := changefeed.New()
	db, err := sqlite.InitSQLite(dir, feed)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keysetStore, err := keysets.OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { keysetStore.Close() })

	mnemonic, err := wallet.NewMnemonic()
	require.NoError(t, err)
	master, err := wallet.MasterKey(mnemonic)
	require.NoError(t, err)

	pool := client.NewPool()
	provider := keysets.NewProvider(keysetStore, pool, time.Minute, logger)

	quotes, err := sendquote.NewService(sendquote.Config{
		Store:   db,
		Mints:   pool,
		Keysets: provider,
		Master:  master,
		Logger:  logger,
	})
	require.NoError(t, err)
	receiver, err := receive.NewService(receive.Config{
		Store:   db,
		Mints:   pool,
		Keysets: provider,
		Master:  master,
		Logger:  logger,
	})
	require.NoError(t, err)
	swaps, err := sendswap.NewService(sendswap.Config{
		Store:    db,
		Mints:    pool,
		Keysets:  provider,
		Receiver: receiver,
		Master:   master,
		Logger:   logger,
	})
	require.NoError(t, err)

	wsPool := submanager.NewPool(pool)
	t.Cleanup(wsPool.Close)
	melts := submanager.NewMeltSubscriptionManager(submanager.Config{Pool: wsPool, Logger: logger})
	t.Cleanup(melts.Close)
	proofs := submanager.NewProofSubscriptionManager(submanager.Config{Pool: wsPool, Logger: logger})
	t.Cleanup(proofs.Close)

	env := &testEnv{
		userID: uuid.NewString(),
		mint:   mint,
		feed:   feed,
		db:     db,
		leader: &testLeader{},
		quotes: quotes,
		swaps:  swaps,
	}
	env.leader.Store(leader)

	processor, err := New(Config{
		UserID:             env.userID,
		Feed:               feed,
		Store:              db,
		Mints:              pool,
		SendQuotes:         quotes,
		SendSwaps:          swaps,
		MeltSubscriptions:  melts,
		ProofSubscriptions: proofs,
		Leader:             env.leader,
		SweepInterval:      sweepInterval,
		Logger:             logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return env
}

func (env *testEnv) account(t *testing.T, amounts ...uint64) *wallet.Account {
	proofs, err := env.mint.MintProofs(env.mint.ActiveKeyset().Id, amounts)
	require.NoError(t, err)
	account, err := env.db.CreateAccount(context.Background(), &wallet.Account{
		ID:       uuid.NewString(),
		UserID:   env.userID,
		MintURL:  env.mint.URL,
		Currency: wallet.BTC,
		Proofs:   proofs,
	})
	require.NoError(t, err)
	return account
}

func (env *testEnv) sendQuote(t *testing.T, account *wallet.Account, amount uint64) *wallet.SendQuote {
	ctx := context.Background()
	invoice, err := testutils.CreateInvoice(amount)
	require.NoError(t, err)
	env.mint.RegisterInvoice(invoice)

	estimate, err := env.quotes.GetQuote(ctx, account, sendquote.GetQuoteParams{Invoice: invoice.PaymentRequest})
	require.NoError(t, err)
	quote, _, err := env.quotes.CreateSendQuote(ctx, account, estimate)
	require.NoError(t, err)
	return quote
}

func (env *testEnv) waitQuote(t *testing.T, id string, state wallet.SendQuoteState) *wallet.SendQuote {
	var quote *wallet.SendQuote
	require.Eventually(t, func() bool {
		var err error
		quote, err = env.db.GetSendQuote(context.Background(), id)
		return err == nil && quote.State == state
	}, waitFor, 20*time.Millisecond, "send quote did not reach %v", state)
	return quote
}

func (env *testEnv) waitSwap(t *testing.T, id string, state wallet.SendSwapState) *wallet.SendSwap {
	var swap *wallet.SendSwap
	require.Eventually(t, func() bool {
		var err error
		swap, err = env.db.GetSendSwap(context.Background(), id)
		return err == nil && swap.State == state
	}, waitFor, 20*time.Millisecond, "send swap did not reach %v", state)
	return swap
}

func (env *testEnv) balance(t *testing.T, accountID string) uint64 {
	account, err := env.db.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return account.Balance()
}

func TestPaySendQuote(t *testing.T) {
	env := setup(t, true, time.Hour)
	account := env.account(t, 64, 32, 16, 8)

	quote := env.sendQuote(t, account, 100)
	paid := env.waitQuote(t, quote.ID, wallet.SendQuotePaid)
	require.Equal(t, uint64(101), paid.AmountSpent)
	require.Equal(t, uint64(1), paid.LightningFee)
	require.Equal(t, uint64(19), env.balance(t, account.ID))
}

func TestSendQuotePendingThenPaid(t *testing.T) {
	env := setup(t, true, time.Hour)
	env.mint.SetMeltResult(nut05.Pending)
	account := env.account(t, 64, 32, 16, 8)

	quote := env.sendQuote(t, account, 100)
	env.waitQuote(t, quote.ID, wallet.SendQuotePending)

	env.mint.SetMeltQuoteState(quote.QuoteID, nut05.Paid)
	env.waitQuote(t, quote.ID, wallet.SendQuotePaid)
	require.Equal(t, uint64(19), env.balance(t, account.ID))
}

func TestDispatchLatestRunsAfterInflight(t *testing.T) {
	p := &Processor{
		ctx:      context.Background(),
		inflight: make(map[string]struct{}),
		queued:   make(map[string]func(ctx context.Context)),
	}

	var mu sync.Mutex
	var ran []string
	record := func(name string) func(ctx context.Context) {
		return func(ctx context.Context) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
		}
	}

	release := make(chan struct{})
	p.goDispatchLatest("quote", func(ctx context.Context) {
		<-release
		record("pending")(ctx)
	})
	p.goDispatchLatest("quote", record("stale"))
	p.goDispatchLatest("quote", record("paid"))
	// plain dispatches of an in flight id are still dropped
	p.goDispatch("quote", record("expire"))
	close(release)
	p.wg.Wait()
	require.Equal(t, []string{"pending", "paid"}, ran)

	p.goDispatchLatest("quote", record("again"))
	p.wg.Wait()
	require.Equal(t, []string{"pending", "paid", "again"}, ran)
	require.Empty(t, p.inflight)
	require.Empty(t, p.queued)
}

func TestSendQuotePaymentFailed(t *testing.T) {
	env := setup(t, true, time.Hour)
	env.mint.SetMeltResult(nut05.Pending)
	account := env.account(t, 64, 32, 16, 8)

	quote := env.sendQuote(t, account, 100)
	env.waitQuote(t, quote.ID, wallet.SendQuotePending)

	env.mint.SetMeltQuoteState(quote.QuoteID, nut05.Unpaid)
	failed := env.waitQuote(t, quote.ID, wallet.SendQuoteFailed)
	require.Equal(t, paymentFailedReason, failed.FailureReason)
	require.Equal(t, uint64(120), env.balance(t, account.ID))
}

func TestSendQuoteRejectedByMint(t *testing.T) {
	env := setup(t, true, time.Hour)
	env.mint.SetMeltResult(nut05.Unpaid)
	account := env.account(t, 64, 32, 16, 8)

	quote := env.sendQuote(t, account, 100)
	env.waitQuote(t, quote.ID, wallet.SendQuoteFailed)
	require.Equal(t, uint64(120), env.balance(t, account.ID))
}

func TestOnlyLeaderInitiates(t *testing.T) {
	env := setup(t, false, 50*time.Millisecond)
	account := env.account(t, 64, 32, 16, 8)

	quote := env.sendQuote(t, account, 100)
	time.Sleep(300 * time.Millisecond)
	stored, err := env.db.GetSendQuote(context.Background(), quote.ID)
	require.NoError(t, err)
	require.Equal(t, wallet.SendQuoteUnpaid, stored.State)

	env.leader.Store(true)
	env.waitQuote(t, quote.ID, wallet.SendQuotePaid)
}

func TestExpireSendQuote(t *testing.T) {
	env := setup(t, false, 50*time.Millisecond)
	env.mint.SetQuoteExpiry(2 * time.Second)
	account := env.account(t, 64, 32, 16, 8)

	quote := env.sendQuote(t, account, 100)
	time.Sleep(time.Until(quote.ExpiresAt) + 100*time.Millisecond)

	env.leader.Store(true)
	env.waitQuote(t, quote.ID, wallet.SendQuoteExpired)
	require.Equal(t, uint64(120), env.balance(t, account.ID))

	// a later unpaid update from the mint changes nothing
	env.mint.SetMeltQuoteState(quote.QuoteID, nut05.Unpaid)
	time.Sleep(200 * time.Millisecond)
	expired, err := env.db.GetSendQuote(context.Background(), quote.ID)
	require.NoError(t, err)
	require.Equal(t, wallet.SendQuoteExpired, expired.State)
	require.Equal(t, uint64(120), env.balance(t, account.ID))
}

func TestSendSwapToCompletion(t *testing.T) {
	env := setup(t, true, time.Hour)
	account := env.account(t, 64)

	swap, _, err := env.swaps.Create(context.Background(), account, 10)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapDraft, swap.State)

	pending := env.waitSwap(t, swap.ID, wallet.SendSwapPending)
	require.Equal(t, uint64(10), pending.ProofsToSend.Amount())
	require.Equal(t, uint64(54), env.balance(t, account.ID))

	env.mint.SpendProofs(pending.ProofsToSend)
	env.waitSwap(t, swap.ID, wallet.SendSwapCompleted)
}

func TestSendSwapCompletedBySweep(t *testing.T) {
	env := setup(t, true, 50*time.Millisecond)
	env.mint.DisableWebsockets()
	account := env.account(t, 8, 2)

	// exact amount, created PENDING
	swap, _, err := env.swaps.Create(context.Background(), account, 10)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapPending, swap.State)

	env.mint.SpendProofs(swap.ProofsToSend)
	env.waitSwap(t, swap.ID, wallet.SendSwapCompleted)
}

func TestRefetchOnReconnect(t *testing.T) {
	env := setup(t, true, time.Hour)
	account := env.account(t, 64, 32, 16, 8)

	env.feed.SetConnected(false)
	quote := env.sendQuote(t, account, 100)
	time.Sleep(200 * time.Millisecond)
	stored, err := env.db.GetSendQuote(context.Background(), quote.ID)
	require.NoError(t, err)
	require.Equal(t, wallet.SendQuoteUnpaid, stored.State)

	env.feed.SetConnected(true)
	env.waitQuote(t, quote.ID, wallet.SendQuotePaid)
}
