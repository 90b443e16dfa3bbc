package wallet

import (
	"time"

	"github.com/elnosh/nutsend/cashu"
)

type SendQuoteState string

const (
	SendQuoteUnpaid  SendQuoteState = "UNPAID"
	SendQuotePending SendQuoteState = "PENDING"
	SendQuotePaid    SendQuoteState = "PAID"
	SendQuoteExpired SendQuoteState = "EXPIRED"
	SendQuoteFailed  SendQuoteState = "FAILED"
)

func (s SendQuoteState) IsFinal() bool {
	return s == SendQuotePaid || s == SendQuoteExpired || s == SendQuoteFailed
}

// SendQuote tracks paying a Lightning invoice with ecash through a
// mint melt quote. Proofs stay reserved until the quote is final.
type SendQuote struct {
	ID        string
	UserID    string
	AccountID string
	CreatedAt time.Time
	ExpiresAt time.Time

	PaymentRequest          string
	PaymentHash             string
	AmountRequested         uint64
	AmountRequestedCurrency Currency
	AmountRequestedMsat     uint64
	AmountToReceive         uint64
	LightningFeeReserve     uint64
	CashuFee                uint64
	QuoteID                 string
	Currency                Currency

	Proofs                cashu.Proofs
	KeysetID              string
	KeysetCounter         uint32
	NumberOfChangeOutputs uint32

	State SendQuoteState
	// set once PAID
	PaymentPreimage string
	AmountSpent     uint64
	LightningFee    uint64
	// set once FAILED
	FailureReason string

	Version int64
}

func (q *SendQuote) ProofsAmount() uint64 {
	return q.Proofs.Amount()
}

type SendSwapState string

const (
	SendSwapDraft     SendSwapState = "DRAFT"
	SendSwapPending   SendSwapState = "PENDING"
	SendSwapCompleted SendSwapState = "COMPLETED"
	SendSwapFailed    SendSwapState = "FAILED"
	SendSwapReversed  SendSwapState = "REVERSED"
)

func (s SendSwapState) IsFinal() bool {
	return s == SendSwapCompleted || s == SendSwapFailed || s == SendSwapReversed
}

// OutputAmounts are the denominations a DRAFT swap asks the mint for.
type OutputAmounts struct {
	Send []uint64 `json:"send"`
	Keep []uint64 `json:"keep"`
}

// SendSwap tracks preparing an exact-amount token and waiting for the
// recipient to claim it.
type SendSwap struct {
	ID            string
	UserID        string
	AccountID     string
	TransactionID string
	MintURL       string
	CreatedAt     time.Time

	Currency        Currency
	AmountRequested uint64
	AmountToSend    uint64
	ReceiveSwapFee  uint64
	SendSwapFee     uint64
	TotalAmount     uint64
	InputProofs     cashu.Proofs
	InputAmount     uint64

	State SendSwapState
	// set while DRAFT
	KeysetID      string
	KeysetCounter uint32
	OutputAmounts *OutputAmounts
	// set from PENDING on
	ProofsToSend cashu.Proofs
	TokenHash    string
	// set once FAILED
	FailureReason string

	Version int64
}
