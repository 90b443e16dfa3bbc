// Package receive claims tokens into an account by swapping their
// proofs at the account's mint for proofs only the wallet can spend.
package receive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut03"
	"github.com/elnosh/nutsend/cashu/nuts/nut09"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/storage"
)

var (
	ErrMintMismatch = errors.New("token is from a different mint than the account")
	ErrUnitMismatch = errors.New("token unit does not match account currency")
)

type Config struct {
	Store   storage.AccountStore
	Mints   wallet.MintClients
	Keysets wallet.KeysetProvider
	Master  *hdkeychain.ExtendedKey
	Logger  *slog.Logger
}

type Service struct {
	store   storage.AccountStore
	mints   wallet.MintClients
	keysets wallet.KeysetProvider
	master  *hdkeychain.ExtendedKey
	logger  *slog.Logger
}

func NewService(config Config) (*Service, error) {
	if config.Store == nil || config.Mints == nil || config.Keysets == nil || config.Master == nil {
		return nil, errors.New("receive service needs a store, mint clients, keysets and a master key")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   config.Store,
		mints:   config.Mints,
		keysets: config.Keysets,
		master:  config.Master,
		logger:  logger,
	}, nil
}

// Receive claims token into account.
func (s *Service) Receive(ctx context.Context, account *wallet.Account, token string) (*wallet.Account, error) {
	tokenV4, err := cashu.DecodeTokenV4(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	if normalizeURL(tokenV4.Mint()) != normalizeURL(account.MintURL) {
		return nil, ErrMintMismatch
	}
	unit, err := account.Currency.Unit()
	if err != nil {
		return nil, err
	}
	tokenUnit, err := cashu.UnitFromString(tokenV4.Unit)
	if err != nil {
		return nil, err
	}
	if tokenUnit != unit {
		return nil, ErrUnitMismatch
	}

	update, err := s.SwapProofs(ctx, account, tokenV4.Proofs())
	if err != nil {
		return nil, err
	}
	return s.store.UpdateAccount(ctx, update)
}

// SwapProofs swaps proofs at the account's mint and returns the
// account update that adds the new proofs and advances the keyset
// counter. Nothing is persisted. If the mint reports the proofs as
// already spent it returns wallet.ErrAlreadyClaimed.
func (s *Service) SwapProofs(ctx context.Context, account *wallet.Account, proofs cashu.Proofs) (
	storage.AccountUpdate, error) {

	unit, err := account.Currency.Unit()
	if err != nil {
		return storage.AccountUpdate{}, err
	}
	keysets, err := s.keysets.Keysets(ctx, account.MintURL, unit)
	if err != nil {
		return storage.AccountUpdate{}, err
	}
	activeKeyset, err := s.keysets.ActiveKeyset(ctx, account.MintURL, unit)
	if err != nil {
		return storage.AccountUpdate{}, err
	}

	fee := keysets.Fees(proofs)
	if proofs.Amount() <= fee {
		return storage.AccountUpdate{}, fmt.Errorf("%w: token amount %v does not cover fee of %v",
			wallet.ErrInvalidAmount, proofs.Amount(), fee)
	}
	amounts := cashu.AmountSplit(proofs.Amount() - fee)

	counter := account.KeysetCounter(activeKeyset.Id)
	outputs, err := wallet.DeriveOutputs(s.master, activeKeyset.Id, counter, amounts)
	if err != nil {
		return storage.AccountUpdate{}, err
	}

	client := s.mints.Client(account.MintURL)
	var received cashu.Proofs
	swapResponse, err := client.PostSwap(ctx, nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs.BlindedMessages})
	switch {
	case err == nil:
		received, err = wallet.ConstructProofs(swapResponse.Signatures, outputs, activeKeyset)
		if err != nil {
			return storage.AccountUpdate{}, err
		}
	case cashu.IsErrorCode(err, cashu.BlindedMessageAlreadySignedErrCode):
		// an earlier swap signed these outputs but the account was not
		// updated. Recover them instead.
		s.logger.Info("outputs already signed, restoring", "account", account.ID, "keyset", activeKeyset.Id,
			"counter", counter)
		restored, err := client.PostRestore(ctx, nut09.PostRestoreRequest{Outputs: outputs.BlindedMessages})
		if err != nil {
			return storage.AccountUpdate{}, err
		}
		received, err = wallet.ConstructRestoredProofs(restored.Outputs, restored.Signatures, outputs, activeKeyset)
		if err != nil {
			return storage.AccountUpdate{}, err
		}
	case cashu.IsErrorCode(err, cashu.ProofAlreadyUsedErrCode):
		return storage.AccountUpdate{}, fmt.Errorf("%w: %v", wallet.ErrAlreadyClaimed, err)
	default:
		return storage.AccountUpdate{}, err
	}

	update := storage.NewAccountUpdate(account)
	update.Proofs = append(append(cashu.Proofs{}, account.Proofs...), received...)
	update.KeysetCounters = account.WithCounter(activeKeyset.Id, counter+uint32(len(amounts)))
	return update, nil
}

func normalizeURL(mintURL string) string {
	return strings.TrimSuffix(mintURL, "/")
}
