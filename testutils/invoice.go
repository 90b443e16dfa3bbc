package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
}

type InvoiceOption func(*invoiceOptions)

type invoiceOptions struct {
	timestamp time.Time
	expiry    time.Duration
}

func WithTimestamp(timestamp time.Time) InvoiceOption {
	return func(o *invoiceOptions) { o.timestamp = timestamp }
}

func WithExpiry(expiry time.Duration) InvoiceOption {
	return func(o *invoiceOptions) { o.expiry = expiry }
}

// CreateInvoice builds a signed signet invoice for amount sats. An
// amount of 0 creates an invoice without amount.
func CreateInvoice(amount uint64, opts ...InvoiceOption) (Invoice, error) {
	options := invoiceOptions{timestamp: time.Now(), expiry: time.Hour}
	for _, opt := range opts {
		opt(&options)
	}

	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return Invoice{}, err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])

	invoiceOpts := []func(*zpay32.Invoice){
		zpay32.Description("test"),
		zpay32.Expiry(options.expiry),
	}
	if amount > 0 {
		invoiceOpts = append(invoiceOpts, zpay32.Amount(lnwire.MilliSatoshi(amount*1000)))
	}

	invoice, err := zpay32.NewInvoice(&chaincfg.SigNetParams, paymentHash, options.timestamp, invoiceOpts...)
	if err != nil {
		return Invoice{}, err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: invoiceStr,
		PaymentHash:    hex.EncodeToString(paymentHash[:]),
		Preimage:       preimage,
	}, nil
}
