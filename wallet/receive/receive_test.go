package receive

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/testutils"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/client"
	"github.com/elnosh/nutsend/wallet/keysets"
	"github.com/elnosh/nutsend/wallet/storage/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	mint    *testutils.FakeMint
	db      *sqlite.SQLiteDB
	service *Service
}

func setup(t *testing.T, inputFeePpk uint) *testEnv {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mint := testutils.NewFakeMint(testutils.NewKeyset(inputFeePpk))
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
	service, err := NewService(Config{
		Store:   db,
		Mints:   pool,
		Keysets: keysets.NewProvider(keysetStore, pool, time.Minute, logger),
		Master:  master,
		Logger:  logger,
	})
	require.NoError(t, err)

	return &testEnv{mint: mint, db: db, service: service}
}

func (env *testEnv) account(t *testing.T) *wallet.Account {
	account, err := env.db.CreateAccount(context.Background(), &wallet.Account{
		ID:       uuid.NewString(),
		UserID:   uuid.NewString(),
		MintURL:  env.mint.URL,
		Currency: wallet.BTC,
	})
	require.NoError(t, err)
	return account
}

func (env *testEnv) token(t *testing.T, amounts ...uint64) (string, cashu.Proofs) {
	proofs, err := env.mint.MintProofs(env.mint.ActiveKeyset().Id, amounts)
	require.NoError(t, err)
	token, err := wallet.EncodeToken(proofs, env.mint.URL, wallet.BTC)
	require.NoError(t, err)
	return token, proofs
}

func TestReceive(t *testing.T) {
	ctx := context.Background()
	env := setup(t, 0)
	account := env.account(t)
	token, _ := env.token(t, 32, 8, 2)

	account, err := env.service.Receive(ctx, account, token)
	require.NoError(t, err)
	require.Equal(t, uint64(42), account.Balance())
	keysetId := env.mint.ActiveKeyset().Id
	require.Equal(t, uint32(3), account.KeysetCounter(keysetId))

	_, err = env.service.Receive(ctx, account, token)
	require.ErrorIs(t, err, wallet.ErrAlreadyClaimed)

	other := testutils.NewFakeMint()
	defer other.Close()
	proofs, err := other.MintProofs(other.ActiveKeyset().Id, []uint64{4})
	require.NoError(t, err)
	otherToken, err := wallet.EncodeToken(proofs, other.URL, wallet.BTC)
	require.NoError(t, err)
	_, err = env.service.Receive(ctx, account, otherToken)
	require.ErrorIs(t, err, ErrMintMismatch)

	_, err = env.service.Receive(ctx, account, "cashuBnotatoken")
	require.Error(t, err)
}

func TestReceiveWithFees(t *testing.T) {
	ctx := context.Background()
	env := setup(t, 500)
	account := env.account(t)
	token, _ := env.token(t, 16, 4, 1)

	account, err := env.service.Receive(ctx, account, token)
	require.NoError(t, err)
	// three inputs at 500 ppk
	require.Equal(t, uint64(19), account.Balance())
}

func TestSwapProofsDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	env := setup(t, 0)
	account := env.account(t)
	_, proofs := env.token(t, 64)

	update, err := env.service.SwapProofs(ctx, account, proofs)
	require.NoError(t, err)
	require.Equal(t, uint64(64), update.Proofs.Amount())
	require.Equal(t, account.Version, update.Version)

	stored, err := env.db.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stored.Balance())
}
