// Package sendquote pays Lightning invoices from an account's proofs
// through a mint melt quote.
//
// A send quote reserves proofs when it is created and moves through
// UNPAID -> PENDING -> PAID, or ends EXPIRED or FAILED with the
// reserved proofs returned to the account. Every write carries the
// versions of the quote and account it was computed from.
package sendquote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/metrics"
	"github.com/elnosh/nutsend/wallet/storage"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/shopspring/decimal"
)

type Config struct {
	Store   storage.SendQuoteStore
	Mints   wallet.MintClients
	Keysets wallet.KeysetProvider
	Master  *hdkeychain.ExtendedKey

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store   storage.SendQuoteStore
	mints   wallet.MintClients
	keysets wallet.KeysetProvider
	master  *hdkeychain.ExtendedKey
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(config Config) (*Service, error) {
	if config.Store == nil || config.Mints == nil || config.Keysets == nil {
		return nil, errors.New("send quote service needs a store, mint clients and keysets")
	}
	if config.Master == nil {
		return nil, errors.New("send quote service needs a master key")
	}

	service := &Service{
		store:   config.Store,
		mints:   config.Mints,
		keysets: config.Keysets,
		master:  config.Master,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	if service.logger == nil {
		service.logger = slog.Default()
	}
	if service.now == nil {
		service.now = time.Now
	}
	return service, nil
}

type GetQuoteParams struct {
	Invoice string
	// Amount in the account currency. Only used, and then required,
	// when the invoice does not carry an amount.
	Amount *uint64
	// ExchangeRate is millisatoshis per minor unit of the account
	// currency. Required to convert Amount for non-BTC accounts.
	ExchangeRate *decimal.Decimal
}

// Estimate is what paying an invoice from an account would cost. It
// reserves nothing; pass it to CreateSendQuote to commit.
type Estimate struct {
	AccountID string
	MintURL   string
	Currency  wallet.Currency

	PaymentRequest          string
	PaymentHash             string
	AmountRequested         uint64
	AmountRequestedCurrency wallet.Currency
	AmountRequestedMsat     uint64

	// AmountToReceive and LightningFeeReserve are in the account currency.
	AmountToReceive     uint64
	LightningFeeReserve uint64
	QuoteID             string
	ExpiresAt           time.Time
}

// Total is the amount a send quote created from e reserves before
// input fees.
func (e *Estimate) Total() uint64 {
	return e.AmountToReceive + e.LightningFeeReserve
}

// GetQuote validates invoice and asks the account's mint what paying
// it costs.
func (s *Service) GetQuote(ctx context.Context, account *wallet.Account, params GetQuoteParams) (*Estimate, error) {
	unit, err := account.Currency.Unit()
	if err != nil {
		return nil, err
	}

	paymentRequest := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(params.Invoice)), "lightning:")
	invoice, err := decodepay.Decodepay(paymentRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wallet.ErrInvalidInvoice, err)
	}
	invoiceExpiry := time.Unix(int64(invoice.CreatedAt), 0).Add(time.Duration(invoice.Expiry) * time.Second)
	if !s.now().Before(invoiceExpiry) {
		return nil, wallet.ErrInvoiceExpired
	}

	estimate := &Estimate{
		AccountID:      account.ID,
		MintURL:        account.MintURL,
		Currency:       account.Currency,
		PaymentRequest: paymentRequest,
		PaymentHash:    invoice.PaymentHash,
	}

	meltQuoteRequest := nut05.PostMeltQuoteBolt11Request{
		Request: estimate.PaymentRequest,
		Unit:    unit.String(),
	}
	if invoice.MSatoshi > 0 {
		estimate.AmountRequestedMsat = uint64(invoice.MSatoshi)
		estimate.AmountRequested = (estimate.AmountRequestedMsat + 999) / 1000
		estimate.AmountRequestedCurrency = wallet.BTC
	} else {
		amountMsat, err := amountToMsat(account.Currency, params.Amount, params.ExchangeRate)
		if err != nil {
			return nil, err
		}
		estimate.AmountRequestedMsat = amountMsat
		estimate.AmountRequested = *params.Amount
		estimate.AmountRequestedCurrency = account.Currency
		meltQuoteRequest.Options = &nut05.MeltOptions{
			Amountless: &nut05.AmountlessOption{AmountMsat: amountMsat},
		}
	}

	meltQuote, err := s.mints.Client(account.MintURL).PostMeltQuoteBolt11(ctx, meltQuoteRequest)
	if err != nil {
		return nil, fmt.Errorf("error getting melt quote from mint: %w", err)
	}
	if meltQuote.Amount == 0 {
		return nil, wallet.ErrInvalidAmount
	}

	estimate.AmountToReceive = meltQuote.Amount
	estimate.LightningFeeReserve = meltQuote.FeeReserve
	estimate.QuoteID = meltQuote.Quote
	estimate.ExpiresAt = invoiceExpiry
	if meltQuote.Expiry > 0 {
		if quoteExpiry := time.Unix(meltQuote.Expiry, 0); quoteExpiry.Before(invoiceExpiry) {
			estimate.ExpiresAt = quoteExpiry
		}
	}
	return estimate, nil
}

func amountToMsat(currency wallet.Currency, amount *uint64, exchangeRate *decimal.Decimal) (uint64, error) {
	if amount == nil {
		return 0, wallet.ErrAmountRequired
	}
	if *amount == 0 {
		return 0, wallet.ErrInvalidAmount
	}
	if currency.IsBase() {
		return *amount * 1000, nil
	}
	if exchangeRate == nil || !exchangeRate.IsPositive() {
		return 0, wallet.ErrExchangeRateRequired
	}
	msat := decimal.NewFromInt(int64(*amount)).Mul(*exchangeRate).Ceil()
	return uint64(msat.IntPart()), nil
}

// NumberOfChangeOutputs is how many blank outputs cover any change up
// to maxChange: ceil(log2(maxChange)) and at least one if there can be
// change at all.
func NumberOfChangeOutputs(maxChange uint64) uint32 {
	if maxChange == 0 {
		return 0
	}
	n := uint32(bits.Len64(maxChange - 1))
	return max(n, 1)
}

// CreateSendQuote reserves proofs covering estimate and stores an
// UNPAID send quote. The proofs leave the account in the same write.
func (s *Service) CreateSendQuote(ctx context.Context, account *wallet.Account, estimate *Estimate) (
	*wallet.SendQuote, *wallet.Account, error) {

	if estimate.AccountID != account.ID || estimate.MintURL != account.MintURL {
		return nil, nil, wallet.InvalidTransitionf("estimate for account %v used with account %v",
			estimate.AccountID, account.ID)
	}
	if !s.now().Before(estimate.ExpiresAt) {
		return nil, nil, wallet.ErrInvoiceExpired
	}
	unit, err := account.Currency.Unit()
	if err != nil {
		return nil, nil, err
	}

	keysets, err := s.keysets.Keysets(ctx, account.MintURL, unit)
	if err != nil {
		return nil, nil, err
	}
	activeKeyset, err := s.keysets.ActiveKeyset(ctx, account.MintURL, unit)
	if err != nil {
		return nil, nil, err
	}

	proofs, cashuFee, err := keysets.SelectProofsWithFees(account.Proofs, estimate.Total())
	if err != nil {
		var balanceErr *wallet.InsufficientBalanceError
		if errors.As(err, &balanceErr) {
			balanceErr.Currency = account.Currency
		}
		return nil, nil, err
	}

	// the most the mint can give back is everything beyond the amount
	// and input fees, if no lightning fee is charged.
	maxChange := proofs.Amount() - estimate.AmountToReceive - cashuFee
	numberOfChangeOutputs := NumberOfChangeOutputs(maxChange)
	counter := account.KeysetCounter(activeKeyset.Id)

	quote := &wallet.SendQuote{
		ID:                      uuid.NewString(),
		UserID:                  account.UserID,
		AccountID:               account.ID,
		CreatedAt:               s.now(),
		ExpiresAt:               estimate.ExpiresAt,
		PaymentRequest:          estimate.PaymentRequest,
		PaymentHash:             estimate.PaymentHash,
		AmountRequested:         estimate.AmountRequested,
		AmountRequestedCurrency: estimate.AmountRequestedCurrency,
		AmountRequestedMsat:     estimate.AmountRequestedMsat,
		AmountToReceive:         estimate.AmountToReceive,
		LightningFeeReserve:     estimate.LightningFeeReserve,
		CashuFee:                cashuFee,
		QuoteID:                 estimate.QuoteID,
		Currency:                account.Currency,
		Proofs:                  proofs,
		KeysetID:                activeKeyset.Id,
		KeysetCounter:           counter,
		NumberOfChangeOutputs:   numberOfChangeOutputs,
		State:                   wallet.SendQuoteUnpaid,
	}

	remaining, ok := account.Proofs.Without(proofs)
	if !ok {
		return nil, nil, fmt.Errorf("%w: account %v", wallet.ErrProofsMismatch, account.ID)
	}
	update := storage.NewAccountUpdate(account)
	update.Proofs = remaining
	update.KeysetCounters = account.WithCounter(activeKeyset.Id, counter+numberOfChangeOutputs)

	quote, account, err = s.store.CreateSendQuote(ctx, quote, update)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendQuoteTransition(string(quote.State))
	return quote, account, nil
}

// InitiateSend asks the mint to pay the quote's invoice with the
// reserved proofs. The caller maps the mint's answer to a transition.
func (s *Service) InitiateSend(ctx context.Context, account *wallet.Account, quote *wallet.SendQuote,
	meltQuote *nut05.PostMeltQuoteBolt11Response) (*nut05.PostMeltQuoteBolt11Response, error) {

	if account.ID != quote.AccountID {
		return nil, wallet.InvalidTransitionf("send quote %v does not belong to account %v", quote.ID, account.ID)
	}
	if meltQuote.Quote != quote.QuoteID {
		return nil, wallet.InvalidTransitionf("melt quote %v does not match send quote %v", meltQuote.Quote, quote.ID)
	}
	if quote.State != wallet.SendQuoteUnpaid {
		return nil, wallet.InvalidTransitionf("cannot initiate send quote %v in state %v", quote.ID, quote.State)
	}

	outputs, err := wallet.BlankOutputs(s.master, quote.KeysetID, quote.KeysetCounter, quote.NumberOfChangeOutputs)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("initiating melt", "quote", quote.ID, "melt_quote", quote.QuoteID,
		"inputs", quote.ProofsAmount(), "change_outputs", quote.NumberOfChangeOutputs)

	meltRequest := nut05.PostMeltBolt11Request{
		Quote:   quote.QuoteID,
		Inputs:  quote.Proofs,
		Outputs: outputs.BlindedMessages,
	}
	return s.mints.Client(account.MintURL).PostMeltBolt11(ctx, meltRequest)
}

func (s *Service) MarkSendQuoteAsPending(ctx context.Context, quote *wallet.SendQuote) (*wallet.SendQuote, error) {
	if quote.State != wallet.SendQuoteUnpaid {
		return nil, wallet.InvalidTransitionf("cannot mark send quote %v in state %v as pending", quote.ID, quote.State)
	}

	quote, err := s.store.MarkSendQuotePending(ctx, quote.ID, quote.Version)
	if err != nil {
		return nil, err
	}
	s.metrics.SendQuoteTransition(string(quote.State))
	return quote, nil
}

// CompleteSendQuote marks a PENDING quote PAID and credits the account
// with the change the mint signed on the quote's blank outputs.
func (s *Service) CompleteSendQuote(ctx context.Context, account *wallet.Account, quote *wallet.SendQuote,
	meltQuote *nut05.PostMeltQuoteBolt11Response) (*wallet.SendQuote, *wallet.Account, error) {

	if account.ID != quote.AccountID {
		return nil, nil, wallet.InvalidTransitionf("send quote %v does not belong to account %v", quote.ID, account.ID)
	}
	if quote.State != wallet.SendQuotePending {
		return nil, nil, wallet.InvalidTransitionf("cannot complete send quote %v in state %v", quote.ID, quote.State)
	}
	if meltQuote.Quote != quote.QuoteID || meltQuote.State != nut05.Paid {
		return nil, nil, wallet.InvalidTransitionf("melt quote %v is %v, cannot complete send quote %v",
			meltQuote.Quote, meltQuote.State, quote.ID)
	}

	change, err := s.changeProofs(ctx, account, quote, meltQuote.Change)
	if err != nil {
		return nil, nil, err
	}

	amountSpent := quote.ProofsAmount() - change.Amount()
	var lightningFee uint64
	if paid := quote.AmountToReceive + quote.CashuFee; amountSpent >= paid {
		lightningFee = amountSpent - paid
	} else {
		s.logger.Warn("mint returned more change than expected", "quote", quote.ID,
			"amount_spent", amountSpent, "amount_to_receive", quote.AmountToReceive, "cashu_fee", quote.CashuFee)
	}

	if !preimageMatches(meltQuote.Preimage, quote.PaymentHash) {
		s.logger.Warn("payment preimage does not match invoice payment hash",
			"quote", quote.ID, "payment_hash", quote.PaymentHash)
	}

	update := storage.NewAccountUpdate(account)
	update.Proofs = append(append(cashu.Proofs{}, account.Proofs...), change...)

	quote, account, err = s.store.CompleteSendQuote(ctx, storage.CompleteSendQuoteParams{
		QuoteID:         quote.ID,
		QuoteVersion:    quote.Version,
		PaymentPreimage: meltQuote.Preimage,
		AmountSpent:     amountSpent,
		LightningFee:    lightningFee,
		Account:         update,
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendQuoteTransition(string(quote.State))
	return quote, account, nil
}

// changeProofs unblinds change signed on the quote's blank outputs,
// derived again from the quote's keyset and counter.
func (s *Service) changeProofs(ctx context.Context, account *wallet.Account, quote *wallet.SendQuote,
	signatures cashu.BlindedSignatures) (cashu.Proofs, error) {

	if len(signatures) == 0 {
		return cashu.Proofs{}, nil
	}
	if uint32(len(signatures)) > quote.NumberOfChangeOutputs {
		return nil, fmt.Errorf("mint returned %v change signatures for %v outputs: %w",
			len(signatures), quote.NumberOfChangeOutputs, wallet.ErrSignatureMismatch)
	}

	unit, err := quote.Currency.Unit()
	if err != nil {
		return nil, err
	}
	keysets, err := s.keysets.Keysets(ctx, account.MintURL, unit)
	if err != nil {
		return nil, err
	}
	keyset, ok := keysets[quote.KeysetID]
	if !ok {
		return nil, fmt.Errorf("keyset %v of send quote %v not found", quote.KeysetID, quote.ID)
	}

	outputs, err := wallet.BlankOutputs(s.master, quote.KeysetID, quote.KeysetCounter, quote.NumberOfChangeOutputs)
	if err != nil {
		return nil, err
	}
	return wallet.ConstructProofs(signatures, outputs, &keyset)
}

func preimageMatches(preimage, paymentHash string) bool {
	p, err := lntypes.MakePreimageFromStr(preimage)
	if err != nil {
		return false
	}
	hash, err := lntypes.MakeHashFromStr(paymentHash)
	if err != nil {
		return false
	}
	return p.Matches(hash)
}

// ExpireSendQuote returns the reserved proofs of an UNPAID quote whose
// expiry has passed.
func (s *Service) ExpireSendQuote(ctx context.Context, account *wallet.Account, quote *wallet.SendQuote) (
	*wallet.SendQuote, *wallet.Account, error) {

	if account.ID != quote.AccountID {
		return nil, nil, wallet.InvalidTransitionf("send quote %v does not belong to account %v", quote.ID, account.ID)
	}
	if quote.State != wallet.SendQuoteUnpaid {
		return nil, nil, wallet.InvalidTransitionf("cannot expire send quote %v in state %v", quote.ID, quote.State)
	}
	if s.now().Before(quote.ExpiresAt) {
		return nil, nil, wallet.InvalidTransitionf("send quote %v expires at %v", quote.ID, quote.ExpiresAt)
	}

	quote, account, err := s.store.ExpireSendQuote(ctx, quote.ID, quote.Version, returnProofs(account, quote))
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendQuoteTransition(string(quote.State))
	return quote, account, nil
}

// FailSendQuote ends an UNPAID or PENDING quote the mint did not pay
// and returns its reserved proofs.
func (s *Service) FailSendQuote(ctx context.Context, account *wallet.Account, quote *wallet.SendQuote,
	reason string) (*wallet.SendQuote, *wallet.Account, error) {

	if account.ID != quote.AccountID {
		return nil, nil, wallet.InvalidTransitionf("send quote %v does not belong to account %v", quote.ID, account.ID)
	}
	if quote.State.IsFinal() {
		return nil, nil, wallet.InvalidTransitionf("cannot fail send quote %v in state %v", quote.ID, quote.State)
	}

	quote, account, err := s.store.FailSendQuote(ctx, quote.ID, quote.Version, reason, returnProofs(account, quote))
	if err != nil {
		return nil, nil, err
	}
	s.metrics.SendQuoteTransition(string(quote.State))
	return quote, account, nil
}

func returnProofs(account *wallet.Account, quote *wallet.SendQuote) storage.AccountUpdate {
	update := storage.NewAccountUpdate(account)
	update.Proofs = append(append(cashu.Proofs{}, account.Proofs...), quote.Proofs...)
	return update
}
