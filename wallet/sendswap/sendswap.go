// Package sendswap turns account proofs into a token of an exact
// amount for a third party.
//
// A swap whose selected proofs already add up to the amount is created
// PENDING with those proofs as the token. Otherwise it is created DRAFT
// with only the parameters needed to derive its outputs, and
// SwapForProofsToSend asks the mint for the proofs. From PENDING it is
// COMPLETED once the recipient spends the proofs or REVERSED if the
// sender claims them back first.
package sendswap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut03"
	"github.com/elnosh/nutsend/cashu/nuts/nut09"
	"github.com/elnosh/nutsend/crypto"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/metrics"
	"github.com/elnosh/nutsend/wallet/storage"
	"github.com/google/uuid"
)

// ErrNothingRestored is the failure reason of a swap whose outputs the
// mint reported as signed but returned none of on restore.
var ErrNothingRestored = errors.New("mint restored no proofs to send")

// Receiver claims proofs back into an account without persisting.
type Receiver interface {
	SwapProofs(ctx context.Context, account *wallet.Account, proofs cashu.Proofs) (storage.AccountUpdate, error)
}

type Config struct {
	Store    storage.SendSwapStore
	Mints    wallet.MintClients
	Keysets  wallet.KeysetProvider
	Receiver Receiver
	Master   *hdkeychain.ExtendedKey

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	store    storage.SendSwapStore
	mints    wallet.MintClients
	keysets  wallet.KeysetProvider
	receiver Receiver
	master   *hdkeychain.ExtendedKey
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewService(config Config) (*Service, error) {
	if config.Store == nil || config.Mints == nil || config.Keysets == nil || config.Receiver == nil {
		return nil, errors.New("send swap service needs a store, mint clients, keysets and a receiver")
	}
	if config.Master == nil {
		return nil, errors.New("send swap service needs a master key")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    config.Store,
		mints:    config.Mints,
		keysets:  config.Keysets,
		receiver: config.Receiver,
		master:   config.Master,
		logger:   logger,
		metrics:  config.Metrics,
	}, nil
}

// Quote is what sending an amount from an account would take.
type Quote struct {
	AmountRequested uint64
	// AmountToSend is the token value: the requested amount plus what
	// the recipient pays to swap it.
	AmountToSend   uint64
	ReceiveSwapFee uint64
	// SendSwapFee is the input fee of the swap that makes the token,
	// zero if the selected proofs are sent as they are.
	SendSwapFee uint64
	TotalAmount uint64

	InputProofs cashu.Proofs
	// Exact is set if InputProofs are the token and no swap is needed.
	Exact bool

	keyset *crypto.WalletKeyset
}

func (q *Quote) InputAmount() uint64 {
	return q.InputProofs.Amount()
}

// receiveSwapFee is the fee the recipient pays to swap the proofs of a
// token worth amount plus that fee, issued on keyset.
func receiveSwapFee(amount uint64, keyset *crypto.WalletKeyset) uint64 {
	var fee uint64
	// the output count only grows with the fee, so this settles quickly
	for i := 0; i < 8; i++ {
		next := wallet.OutputFees(cashu.AmountSplit(amount+fee), keyset)
		if next == fee {
			break
		}
		fee = next
	}
	return fee
}

// GetQuote selects proofs for sending amount and works out the fees.
func (s *Service) GetQuote(ctx context.Context, account *wallet.Account, amount uint64) (*Quote, error) {
	if amount == 0 {
		return nil, wallet.ErrInvalidAmount
	}
	unit, err := account.Currency.Unit()
	if err != nil {
		return nil, err
	}
	keysets, err := s.keysets.Keysets(ctx, account.MintURL, unit)
	if err != nil {
		return nil, err
	}
	activeKeyset, err := s.keysets.ActiveKeyset(ctx, account.MintURL, unit)
	if err != nil {
		return nil, err
	}

	receiveFee := receiveSwapFee(amount, activeKeyset)
	amountToSend := amount + receiveFee

	// selected proofs that are worth the amount plus their own
	// redemption fee can be sent without a swap.
	if selected := keysets.SelectProofs(account.Proofs, amountToSend); selected != nil {
		if exactFee := keysets.Fees(selected); selected.Amount() == amount+exactFee {
			return &Quote{
				AmountRequested: amount,
				AmountToSend:    selected.Amount(),
				ReceiveSwapFee:  exactFee,
				TotalAmount:     selected.Amount(),
				InputProofs:     selected,
				Exact:           true,
				keyset:          activeKeyset,
			}, nil
		}
	}

	selected, sendFee, err := keysets.SelectProofsWithFees(account.Proofs, amountToSend)
	if err != nil {
		var balanceErr *wallet.InsufficientBalanceError
		if errors.As(err, &balanceErr) {
			balanceErr.Currency = account.Currency
		}
		return nil, err
	}

	return &Quote{
		AmountRequested: amount,
		AmountToSend:    amountToSend,
		ReceiveSwapFee:  receiveFee,
		SendSwapFee:     sendFee,
		TotalAmount:     amountToSend + sendFee,
		InputProofs:     selected,
		keyset:          activeKeyset,
	}, nil
}

// Create reserves proofs for sending amount and stores the swap. The
// input proofs leave the account, and the keyset counter moves past
// the swap's outputs, in the same write.
func (s *Service) Create(ctx context.Context, account *wallet.Account, amount uint64) (
	*wallet.SendSwap, *wallet.Account, error) {

	quote, err := s.GetQuote(ctx, account, amount)
	if err != nil {
		return nil, nil, err
	}

	swap := &wallet.SendSwap{
		ID:              uuid.NewString(),
		UserID:          account.UserID,
		AccountID:       account.ID,
		TransactionID:   uuid.NewString(),
		MintURL:         account.MintURL,
		CreatedAt:       time.Now(),
		Currency:        account.Currency,
		AmountRequested: quote.AmountRequested,
		AmountToSend:    quote.AmountToSend,
		ReceiveSwapFee:  quote.ReceiveSwapFee,
		SendSwapFee:     quote.SendSwapFee,
		TotalAmount:     quote.TotalAmount,
		InputProofs:     quote.InputProofs,
		InputAmount:     quote.InputAmount(),
	}

	remaining, ok := account.Proofs.Without(quote.InputProofs)
	if !ok {
		return nil, nil, fmt.Errorf("%w: account %v", wallet.ErrProofsMismatch, account.ID)
	}
	update := storage.NewAccountUpdate(account)
	update.Proofs = remaining

	if quote.Exact {
		token, err := wallet.EncodeToken(quote.InputProofs, account.MintURL, account.Currency)
		if err != nil {
			return nil, nil, err
		}
		swap.State = wallet.SendSwapPending
		swap.ProofsToSend = quote.InputProofs
		swap.TokenHash = wallet.TokenHash(token)
	} else {
		change := quote.InputAmount() - quote.AmountToSend - quote.SendSwapFee
		outputAmounts := &wallet.OutputAmounts{
			Send: cashu.AmountSplit(quote.AmountToSend),
			Keep: cashu.AmountSplit(change),
		}
		counter := account.KeysetCounter(quote.keyset.Id)
		numOutputs := uint32(len(outputAmounts.Send) + len(outputAmounts.Keep))

		swap.State = wallet.SendSwapDraft
		swap.KeysetID = quote.keyset.Id
		swap.KeysetCounter = counter
		swap.OutputAmounts = outputAmounts
		update.KeysetCounters = account.WithCounter(quote.keyset.Id, counter+numOutputs)
	}

	swap, account, err = s.store.CreateSendSwap(ctx, swap, update)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendSwapTransition(string(swap.State))
	return swap, account, nil
}

// swapOutputs derives the swap's send outputs followed by its keep
// outputs.
func (s *Service) swapOutputs(swap *wallet.SendSwap) (send, keep *wallet.OutputData, err error) {
	send, err = wallet.DeriveOutputs(s.master, swap.KeysetID, swap.KeysetCounter, swap.OutputAmounts.Send)
	if err != nil {
		return nil, nil, err
	}
	keepCounter := swap.KeysetCounter + uint32(len(swap.OutputAmounts.Send))
	keep, err = wallet.DeriveOutputs(s.master, swap.KeysetID, keepCounter, swap.OutputAmounts.Keep)
	if err != nil {
		return nil, nil, err
	}
	return send, keep, nil
}

// SwapForProofsToSend swaps a DRAFT swap's inputs for its send and keep
// outputs, then stores the send proofs and credits the keep proofs.
//
// If the mint already signed the outputs or spent the inputs, an
// earlier attempt got through and its response was lost: the proofs
// are restored from the mint instead of swapping again. A swap the
// mint rejects for any other reason is returned FAILED. Network
// errors leave the swap DRAFT.
func (s *Service) SwapForProofsToSend(ctx context.Context, account *wallet.Account, swap *wallet.SendSwap) (
	*wallet.SendSwap, *wallet.Account, error) {

	if account.ID != swap.AccountID {
		return nil, nil, wallet.InvalidTransitionf("send swap %v does not belong to account %v", swap.ID, account.ID)
	}
	if swap.State != wallet.SendSwapDraft || swap.OutputAmounts == nil {
		return nil, nil, wallet.InvalidTransitionf("cannot swap for proofs to send in swap %v in state %v",
			swap.ID, swap.State)
	}

	unit, err := swap.Currency.Unit()
	if err != nil {
		return nil, nil, err
	}
	keysets, err := s.keysets.Keysets(ctx, swap.MintURL, unit)
	if err != nil {
		return nil, nil, err
	}
	keyset, ok := keysets[swap.KeysetID]
	if !ok {
		return nil, nil, fmt.Errorf("keyset %v of send swap %v not found", swap.KeysetID, swap.ID)
	}

	sendOutputs, keepOutputs, err := s.swapOutputs(swap)
	if err != nil {
		return nil, nil, err
	}
	outputs := sendOutputs.Append(keepOutputs)
	cashu.SortBlindedMessages(outputs.BlindedMessages, outputs.Secrets, outputs.Rs)

	client := s.mints.Client(swap.MintURL)
	var proofs cashu.Proofs
	restored := false

	swapResponse, err := client.PostSwap(ctx, nut03.PostSwapRequest{
		Inputs:  swap.InputProofs,
		Outputs: outputs.BlindedMessages,
	})
	switch {
	case err == nil:
		proofs, err = wallet.ConstructProofs(swapResponse.Signatures, outputs, &keyset)
		if err != nil {
			return nil, nil, err
		}
	case cashu.IsErrorCode(err, cashu.BlindedMessageAlreadySignedErrCode, cashu.ProofAlreadyUsedErrCode):
		s.logger.Info("send swap already processed by mint, restoring outputs",
			"swap", swap.ID, "error", err, "keyset", swap.KeysetID, "counter", swap.KeysetCounter)
		restoreResponse, err := client.PostRestore(ctx, nut09.PostRestoreRequest{Outputs: outputs.BlindedMessages})
		if err != nil {
			return nil, nil, err
		}
		proofs, err = wallet.ConstructRestoredProofs(restoreResponse.Outputs, restoreResponse.Signatures,
			outputs, &keyset)
		if err != nil {
			return nil, nil, err
		}
		restored = true
	default:
		var cashuErr cashu.Error
		if !errors.As(err, &cashuErr) {
			return nil, nil, err
		}
		swap, err := s.Fail(ctx, swap, cashuErr.Error())
		if err != nil {
			return nil, nil, err
		}
		return swap, account, nil
	}

	sendSecrets := make(map[string]bool, sendOutputs.Len())
	for _, secret := range sendOutputs.Secrets {
		sendSecrets[secret] = true
	}
	proofsToSend, proofsToKeep := cashu.Proofs{}, cashu.Proofs{}
	for _, proof := range proofs {
		if sendSecrets[proof.Secret] {
			proofsToSend = append(proofsToSend, proof)
		} else {
			proofsToKeep = append(proofsToKeep, proof)
		}
	}

	if proofsToSend.Amount() != swap.AmountToSend {
		reason := fmt.Sprintf("mint returned %v of %v to send", proofsToSend.Amount(), swap.AmountToSend)
		if restored && len(proofsToSend) == 0 {
			reason = ErrNothingRestored.Error()
		}
		s.logger.Error("send swap failed", "swap", swap.ID, "reason", reason, "restored", restored)
		swap, err := s.Fail(ctx, swap, reason)
		if err != nil {
			return nil, nil, err
		}
		return swap, account, nil
	}

	token, err := wallet.EncodeToken(proofsToSend, swap.MintURL, swap.Currency)
	if err != nil {
		return nil, nil, err
	}

	update := storage.NewAccountUpdate(account)
	update.Proofs = append(append(cashu.Proofs{}, account.Proofs...), proofsToKeep...)

	swap, account, err = s.store.CommitProofsToSend(ctx, storage.CommitProofsToSendParams{
		SwapID:       swap.ID,
		SwapVersion:  swap.Version,
		ProofsToSend: proofsToSend,
		TokenHash:    wallet.TokenHash(token),
		Account:      update,
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendSwapTransition(string(swap.State))
	return swap, account, nil
}

// Complete marks a PENDING swap whose proofs the recipient spent.
func (s *Service) Complete(ctx context.Context, swap *wallet.SendSwap) (*wallet.SendSwap, error) {
	if swap.State != wallet.SendSwapPending {
		return nil, wallet.InvalidTransitionf("cannot complete send swap %v in state %v", swap.ID, swap.State)
	}
	swap, err := s.store.CompleteSendSwap(ctx, swap.ID, swap.Version)
	if err != nil {
		return nil, err
	}
	s.metrics.SendSwapTransition(string(swap.State))
	return swap, nil
}

// Fail records reason on a swap that has not finished.
func (s *Service) Fail(ctx context.Context, swap *wallet.SendSwap, reason string) (*wallet.SendSwap, error) {
	if swap.State.IsFinal() {
		return nil, wallet.InvalidTransitionf("cannot fail send swap %v in state %v", swap.ID, swap.State)
	}
	swap, err := s.store.FailSendSwap(ctx, swap.ID, swap.Version, reason)
	if err != nil {
		return nil, err
	}
	s.metrics.SendSwapTransition(string(swap.State))
	return swap, nil
}

// Reverse claims the proofs of a PENDING swap back into the account.
// If the recipient claimed them first it returns
// wallet.ErrAlreadyClaimed and the swap should be completed instead.
func (s *Service) Reverse(ctx context.Context, account *wallet.Account, swap *wallet.SendSwap) (
	*wallet.SendSwap, *wallet.Account, error) {

	if account.ID != swap.AccountID {
		return nil, nil, wallet.InvalidTransitionf("send swap %v does not belong to account %v", swap.ID, account.ID)
	}
	if swap.State != wallet.SendSwapPending {
		return nil, nil, wallet.InvalidTransitionf("cannot reverse send swap %v in state %v", swap.ID, swap.State)
	}

	update, err := s.receiver.SwapProofs(ctx, account, swap.ProofsToSend)
	if err != nil {
		return nil, nil, err
	}
	swap, account, err = s.store.ReverseSendSwap(ctx, swap.ID, swap.Version, update)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendSwapTransition(string(swap.State))
	return swap, account, nil
}

// Token is the token to hand to the recipient of a PENDING or
// COMPLETED swap.
func (s *Service) Token(swap *wallet.SendSwap) (string, error) {
	if swap.State != wallet.SendSwapPending && swap.State != wallet.SendSwapCompleted {
		return "", wallet.InvalidTransitionf("send swap %v in state %v has no token", swap.ID, swap.State)
	}
	return wallet.EncodeToken(swap.ProofsToSend, swap.MintURL, swap.Currency)
}
