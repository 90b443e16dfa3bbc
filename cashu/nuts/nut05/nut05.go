// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"
	"fmt"

	"github.com/elnosh/nutsend/cashu"
)

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

func (state State) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

func (state *State) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	st := StringToState(s)
	if st == Unknown {
		return fmt.Errorf("invalid melt quote state '%v'", s)
	}
	*state = st
	return nil
}

type PostMeltQuoteBolt11Request struct {
	Request string       `json:"request"`
	Unit    string       `json:"unit"`
	Options *MeltOptions `json:"options,omitempty"`
}

// MeltOptions carries the amount to pay when the invoice has none.
type MeltOptions struct {
	Amountless *AmountlessOption `json:"amountless,omitempty"`
}

type AmountlessOption struct {
	AmountMsat uint64 `json:"amount_msat"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Request    string                  `json:"request,omitempty"`
	Amount     uint64                  `json:"amount"`
	Unit       string                  `json:"unit,omitempty"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      State                   `json:"state"`
	Expiry     int64                   `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}
