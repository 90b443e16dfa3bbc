// Package storage defines the durable store the send services write
// through. Every mutation carries the version the caller last read for
// each row it touches and fails with ErrConcurrencyConflict if any of
// them has moved on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/wallet"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: record was modified")
	ErrNotFound            = errors.New("record not found")
)

// AccountUpdate is the new proof set and counters for an account,
// applied only if the stored account is still at Version.
type AccountUpdate struct {
	ID             string
	Version        int64
	Proofs         cashu.Proofs
	KeysetCounters map[string]uint32
}

// NewAccountUpdate starts an update from the account as last read.
func NewAccountUpdate(account *wallet.Account) AccountUpdate {
	return AccountUpdate{
		ID:             account.ID,
		Version:        account.Version,
		Proofs:         account.Proofs,
		KeysetCounters: account.KeysetCounters,
	}
}

type AccountStore interface {
	CreateAccount(ctx context.Context, account *wallet.Account) (*wallet.Account, error)
	GetAccount(ctx context.Context, id string) (*wallet.Account, error)
	ListAccounts(ctx context.Context, userID string) ([]*wallet.Account, error)
	UpdateAccount(ctx context.Context, update AccountUpdate) (*wallet.Account, error)
}

type CompleteSendQuoteParams struct {
	QuoteID         string
	QuoteVersion    int64
	PaymentPreimage string
	AmountSpent     uint64
	LightningFee    uint64
	Account         AccountUpdate
}

type SendQuoteStore interface {
	// CreateSendQuote inserts quote and applies account, which must no
	// longer hold the proofs the quote reserves.
	CreateSendQuote(ctx context.Context, quote *wallet.SendQuote, account AccountUpdate) (*wallet.SendQuote, *wallet.Account, error)
	GetSendQuote(ctx context.Context, id string) (*wallet.SendQuote, error)
	// GetUnresolvedSendQuotes returns the user's UNPAID and PENDING quotes.
	GetUnresolvedSendQuotes(ctx context.Context, userID string) ([]*wallet.SendQuote, error)
	MarkSendQuotePending(ctx context.Context, quoteID string, quoteVersion int64) (*wallet.SendQuote, error)
	CompleteSendQuote(ctx context.Context, params CompleteSendQuoteParams) (*wallet.SendQuote, *wallet.Account, error)
	ExpireSendQuote(ctx context.Context, quoteID string, quoteVersion int64, account AccountUpdate) (*wallet.SendQuote, *wallet.Account, error)
	FailSendQuote(ctx context.Context, quoteID string, quoteVersion int64, reason string, account AccountUpdate) (*wallet.SendQuote, *wallet.Account, error)
}

type CommitProofsToSendParams struct {
	SwapID       string
	SwapVersion  int64
	ProofsToSend cashu.Proofs
	TokenHash    string
	Account      AccountUpdate
}

type SendSwapStore interface {
	CreateSendSwap(ctx context.Context, swap *wallet.SendSwap, account AccountUpdate) (*wallet.SendSwap, *wallet.Account, error)
	GetSendSwap(ctx context.Context, id string) (*wallet.SendSwap, error)
	// GetUnresolvedSendSwaps returns the user's DRAFT and PENDING swaps.
	GetUnresolvedSendSwaps(ctx context.Context, userID string) ([]*wallet.SendSwap, error)
	CommitProofsToSend(ctx context.Context, params CommitProofsToSendParams) (*wallet.SendSwap, *wallet.Account, error)
	CompleteSendSwap(ctx context.Context, swapID string, swapVersion int64) (*wallet.SendSwap, error)
	FailSendSwap(ctx context.Context, swapID string, swapVersion int64, reason string) (*wallet.SendSwap, error)
	ReverseSendSwap(ctx context.Context, swapID string, swapVersion int64, account AccountUpdate) (*wallet.SendSwap, *wallet.Account, error)
}

type LeaseStore interface {
	// TryAcquireLease takes or renews the user's lease for holder. It
	// returns false while another holder's lease has not expired.
	TryAcquireLease(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error)
}

type Store interface {
	AccountStore
	SendQuoteStore
	SendSwapStore
	LeaseStore
	Close() error
}
