package wallet

import (
	"time"

	"github.com/elnosh/nutsend/cashu"
)

type Currency string

const (
	BTC Currency = "BTC"
	USD Currency = "USD"
)

// Unit returns the mint unit the currency is held in.
func (c Currency) Unit() (cashu.Unit, error) {
	switch c {
	case BTC:
		return cashu.Sat, nil
	case USD:
		return cashu.Usd, nil
	}
	return 0, ErrUnsupportedCurrency
}

func (c Currency) IsBase() bool {
	return c == BTC
}

// Account is one user's balance at one mint. Every write to it
// must supply Version and fails if the stored version has advanced.
type Account struct {
	ID        string
	UserID    string
	MintURL   string
	Currency  Currency
	CreatedAt time.Time

	Proofs cashu.Proofs
	// next derivation index per keyset id
	KeysetCounters map[string]uint32
	Version        int64
}

func (a *Account) Balance() uint64 {
	return a.Proofs.Amount()
}

func (a *Account) KeysetCounter(keysetId string) uint32 {
	if a.KeysetCounters == nil {
		return 0
	}
	return a.KeysetCounters[keysetId]
}

// WithCounter returns a copy of the counters with keysetId set to next.
func (a *Account) WithCounter(keysetId string, next uint32) map[string]uint32 {
	counters := make(map[string]uint32, len(a.KeysetCounters)+1)
	for id, counter := range a.KeysetCounters {
		counters[id] = counter
	}
	counters[keysetId] = next
	return counters
}
