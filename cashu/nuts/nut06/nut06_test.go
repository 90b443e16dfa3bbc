package nut06

import (
	"encoding/json"
	"testing"

	"github.com/elnosh/nutsend/cashu/nuts/nut17"
)

func TestSupportsSubscription(t *testing.T) {
	infoJson := `{
		"name": "test mint",
		"pubkey": "0296d0aa13b6a31cf0cd974249f28c7b7176d7274712c95a41c7d8066d3f29d679",
		"version": "nutshell/0.16.0",
		"contact": [["email", "mint@example.com"]],
		"nuts": {
			"5": {"methods": [{"method": "bolt11", "unit": "sat"}], "disabled": false},
			"7": {"supported": true},
			"9": {"supported": true},
			"17": {"supported": [{"method": "bolt11", "unit": "sat", "commands": ["bolt11_melt_quote", "proof_state"]}]}
		}
	}`

	var info MintInfo
	if err := json.Unmarshal([]byte(infoJson), &info); err != nil {
		t.Fatalf("unexpected error unmarshalling info: %v", err)
	}

	if len(info.Contact) != 0 {
		t.Fatalf("expected old contact format to be ignored but got %v", info.Contact)
	}
	if !info.Nuts.Nut07.Supported || !info.Nuts.Nut09.Supported {
		t.Fatal("expected nut07 and nut09 to be supported")
	}

	tests := []struct {
		kind     nut17.SubscriptionKind
		unit     string
		expected bool
	}{
		{kind: nut17.Bolt11MeltQuote, unit: "sat", expected: true},
		{kind: nut17.ProofState, unit: "sat", expected: true},
		{kind: nut17.Bolt11MintQuote, unit: "sat", expected: false},
		{kind: nut17.ProofState, unit: "usd", expected: false},
	}

	for _, test := range tests {
		supported := info.SupportsSubscription(test.kind, "bolt11", test.unit)
		if supported != test.expected {
			t.Fatalf("%v %v: expected '%v' but got '%v'", test.kind, test.unit, test.expected, supported)
		}
	}

	var noWs MintInfo
	if noWs.SupportsSubscription(nut17.ProofState, "bolt11", "sat") {
		t.Fatal("expected no support without nut17 settings")
	}
}
