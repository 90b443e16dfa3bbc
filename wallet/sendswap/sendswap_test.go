package sendswap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/crypto"
	"github.com/elnosh/nutsend/testutils"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/client"
	"github.com/elnosh/nutsend/wallet/keysets"
	"github.com/elnosh/nutsend/wallet/receive"
	"github.com/elnosh/nutsend/wallet/storage"
	"github.com/elnosh/nutsend/wallet/storage/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	mint    *testutils.FakeMint
	db      *sqlite.SQLiteDB
	master  *hdkeychain.ExtendedKey
	service *Service
}

func setup(t *testing.T, mintKeysets ...*crypto.MintKeyset) *testEnv {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mint := testutils.NewFakeMint(mintKeysets...)
	t.Cleanup(mint.Close)

	db, err := sqlite.InitSQLite(dir, changefeed.New())
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
	receiver, err := receive.NewService(receive.Config{
		Store:   db,
		Mints:   pool,
		Keysets: provider,
		Master:  master,
		Logger:  logger,
	})
	require.NoError(t, err)

	service, err := NewService(Config{
		Store:    db,
		Mints:    pool,
		Keysets:  provider,
		Receiver: receiver,
		Master:   master,
		Logger:   logger,
	})
	require.NoError(t, err)

	return &testEnv{mint: mint, db: db, master: master, service: service}
}

type mintedProofs struct {
	keysetId string
	amounts  []uint64
}

func (env *testEnv) account(t *testing.T, minted ...mintedProofs) *wallet.Account {
	proofs := cashu.Proofs{}
	for _, m := range minted {
		p, err := env.mint.MintProofs(m.keysetId, m.amounts)
		require.NoError(t, err)
		proofs = append(proofs, p...)
	}

	account, err := env.db.CreateAccount(context.Background(), &wallet.Account{
		ID:       uuid.NewString(),
		UserID:   uuid.NewString(),
		MintURL:  env.mint.URL,
		Currency: wallet.BTC,
		Proofs:   proofs,
	})
	require.NoError(t, err)
	return account
}

func (env *testEnv) activeProofs(amounts ...uint64) mintedProofs {
	return mintedProofs{keysetId: env.mint.ActiveKeyset().Id, amounts: amounts}
}

func feeKeysets() (inactive, active *crypto.MintKeyset) {
	inactive = crypto.GenerateKeyset(uuid.NewString(), "0/0/0", 0)
	inactive.Active = false
	active = crypto.GenerateKeyset(uuid.NewString(), "0/0/1", 400)
	return inactive, active
}

func TestReceiveSwapFee(t *testing.T) {
	tests := []struct {
		amount      uint64
		inputFeePpk uint
		expected    uint64
	}{
		{600, 0, 0},
		{600, 400, 2},
		{7, 1000, 2},
		{1, 100, 1},
		{1023, 100, 1},
	}

	for _, test := range tests {
		keyset := &crypto.WalletKeyset{InputFeePpk: test.inputFeePpk}
		if fee := receiveSwapFee(test.amount, keyset); fee != test.expected {
			t.Fatalf("expected receive fee of %v for %v at %v ppk but got %v",
				test.expected, test.amount, test.inputFeePpk, fee)
		}
	}
}

func TestSendSwap(t *testing.T) {
	ctx := context.Background()
	inactive, active := feeKeysets()
	env := setup(t, inactive, active)

	account := env.account(t,
		mintedProofs{keysetId: inactive.Id, amounts: []uint64{2, 8, 128, 512}},
		mintedProofs{keysetId: active.Id, amounts: []uint64{256, 64, 16, 8, 4, 2}},
	)
	require.Equal(t, uint64(1000), account.Balance())

	swap, account, err := env.service.Create(ctx, account, 600)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapDraft, swap.State)
	require.Equal(t, uint64(2), swap.ReceiveSwapFee)
	require.Equal(t, uint64(602), swap.AmountToSend)
	require.Equal(t, uint64(0), swap.SendSwapFee)
	require.Equal(t, uint64(650), swap.InputAmount)
	require.Equal(t, swap.InputAmount, swap.InputProofs.Amount())
	require.Equal(t, []uint64{2, 8, 16, 64, 512}, swap.OutputAmounts.Send)
	require.Equal(t, []uint64{16, 32}, swap.OutputAmounts.Keep)
	require.Empty(t, swap.ProofsToSend)
	require.Equal(t, active.Id, swap.KeysetID)
	require.Equal(t, uint64(350), account.Balance())
	require.Equal(t, uint32(7), account.KeysetCounter(active.Id))

	_, err = env.service.Token(swap)
	require.ErrorIs(t, err, wallet.ErrInvalidTransition)

	swap, account, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapPending, swap.State)
	require.Equal(t, uint64(602), swap.ProofsToSend.Amount())
	require.Equal(t, uint64(398), account.Balance())

	token, err := env.service.Token(swap)
	require.NoError(t, err)
	require.Equal(t, wallet.TokenHash(token), swap.TokenHash)
	decoded, err := cashu.DecodeTokenV4(token)
	require.NoError(t, err)
	require.Equal(t, uint64(602), decoded.Amount())

	_, _, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.ErrorIs(t, err, wallet.ErrInvalidTransition)

	env.mint.SpendProofs(swap.ProofsToSend)
	swap, err = env.service.Complete(ctx, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapCompleted, swap.State)

	_, err = env.service.Complete(ctx, swap)
	require.ErrorIs(t, err, wallet.ErrInvalidTransition)
	_, err = env.service.Fail(ctx, swap, "too late")
	require.ErrorIs(t, err, wallet.ErrInvalidTransition)
}

func TestSendSwapExactAmount(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(8, 2, 1))

	swap, account, err := env.service.Create(ctx, account, 10)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapPending, swap.State)
	require.Equal(t, uint64(10), swap.ProofsToSend.Amount())
	require.Equal(t, swap.InputProofs, swap.ProofsToSend)
	require.Nil(t, swap.OutputAmounts)
	require.NotEmpty(t, swap.TokenHash)
	require.Equal(t, uint64(1), account.Balance())
	require.Equal(t, 0, env.mint.SwapCalls())
}

func TestSendSwapInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	inactive, active := feeKeysets()
	env := setup(t, inactive, active)
	account := env.account(t, mintedProofs{keysetId: active.Id, amounts: []uint64{64, 32}})

	_, _, err := env.service.Create(ctx, account, 96)
	require.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	var balanceErr *wallet.InsufficientBalanceError
	require.ErrorAs(t, err, &balanceErr)
	// 98 to send plus the fee of spending both proofs
	require.Equal(t, uint64(99), balanceErr.Required)
	require.Equal(t, uint64(96), balanceErr.Available)

	_, _, err = env.service.Create(ctx, account, 0)
	require.ErrorIs(t, err, wallet.ErrInvalidAmount)
}

func TestSendSwapProofsMismatch(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	// every secret held twice, removing the reserved ones would drop both copies
	account.Proofs = append(account.Proofs, account.Proofs...)
	_, _, err := env.service.Create(ctx, account, 50)
	require.ErrorIs(t, err, wallet.ErrProofsMismatch)

	stored, err := env.db.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(96), stored.Balance())
}

func TestSwapRestoresLostResponse(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	swap, account, err := env.service.Create(ctx, account, 50)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapDraft, swap.State)

	// mint applies the swap but the response never arrives
	env.mint.LoseNextSwapResponse()
	_, _, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.Error(t, err)

	swap, err = env.db.GetSendSwap(ctx, swap.ID)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapDraft, swap.State)

	swap, account, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapPending, swap.State)
	require.Equal(t, 1, env.mint.RestoreCalls())
	require.Equal(t, uint64(50), swap.ProofsToSend.Amount())
	require.Equal(t, uint64(32+14), account.Balance())

	// same proofs a first attempt would have produced
	expected, err := wallet.DeriveOutputs(env.master, swap.KeysetID, swap.KeysetCounter, swap.OutputAmounts.Send)
	require.NoError(t, err)
	require.ElementsMatch(t, expected.Secrets, swap.ProofsToSend.Secrets())
}

func TestSwapNothingRestored(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	swap, account, err := env.service.Create(ctx, account, 50)
	require.NoError(t, err)

	env.mint.FailNextSwap(cashu.BlindedMessageAlreadySigned)
	swap, account, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapFailed, swap.State)
	require.Equal(t, ErrNothingRestored.Error(), swap.FailureReason)
	// the inputs are not credited back
	require.Equal(t, uint64(32), account.Balance())
}

func TestSwapMintError(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	swap, account, err := env.service.Create(ctx, account, 50)
	require.NoError(t, err)

	env.mint.FailNextSwap(cashu.Error{Detail: "keyset is inactive", Code: cashu.InactiveKeysetErrCode})
	swap, _, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapFailed, swap.State)
	require.Contains(t, swap.FailureReason, "keyset is inactive")
}

func TestSwapForProofsToSendConcurrently(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	swap, account, err := env.service.Create(ctx, account, 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	swaps := make([]*wallet.SendSwap, 2)
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			swaps[i], _, errs[i] = env.service.SwapForProofsToSend(ctx, account, swap)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
			require.Equal(t, wallet.SendSwapPending, swaps[i].State)
		case errors.Is(err, storage.ErrConcurrencyConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)

	stored, err := env.db.GetSendSwap(ctx, swap.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(50), stored.ProofsToSend.Amount())
	storedAccount, err := env.db.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(32+14), storedAccount.Balance())
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	swap, account, err := env.service.Create(ctx, account, 50)
	require.NoError(t, err)

	_, _, err = env.service.Reverse(ctx, account, swap)
	require.ErrorIs(t, err, wallet.ErrInvalidTransition)

	swap, account, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.NoError(t, err)

	swap, account, err = env.service.Reverse(ctx, account, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapReversed, swap.State)
	require.Equal(t, uint64(96), account.Balance())

	_, _, err = env.service.Reverse(ctx, account, swap)
	require.ErrorIs(t, err, wallet.ErrInvalidTransition)
}

func TestReverseAfterClaim(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	account := env.account(t, env.activeProofs(64, 32))

	swap, account, err := env.service.Create(ctx, account, 50)
	require.NoError(t, err)
	swap, account, err = env.service.SwapForProofsToSend(ctx, account, swap)
	require.NoError(t, err)

	env.mint.SpendProofs(swap.ProofsToSend)

	_, _, err = env.service.Reverse(ctx, account, swap)
	require.ErrorIs(t, err, wallet.ErrAlreadyClaimed)

	swap, err = env.service.Complete(ctx, swap)
	require.NoError(t, err)
	require.Equal(t, wallet.SendSwapCompleted, swap.State)
}
