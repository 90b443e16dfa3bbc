package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut03"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
)

func TestMintErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(cashu.ProofAlreadyUsedErr)
	}))
	defer server.Close()

	client := New(server.URL + "/")
	_, err := client.PostSwap(context.Background(), nut03.PostSwapRequest{})
	if !cashu.IsErrorCode(err, cashu.ProofAlreadyUsedErrCode) {
		t.Fatalf("expected proof already used error but got '%v'", err)
	}
}

func TestGetMeltQuoteState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/melt/quote/bolt11/quote123" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		rw.Write([]byte(`{"quote":"quote123","amount":100,"fee_reserve":2,"state":"PAID","expiry":1700000000,"payment_preimage":"aa"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	quote, err := client.GetMeltQuoteState(context.Background(), "quote123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.State != nut05.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Paid, quote.State)
	}
	if quote.Preimage != "aa" {
		t.Fatalf("expected preimage 'aa' but got '%v'", quote.Preimage)
	}

	_, err = client.GetMeltQuoteState(context.Background(), "other")
	if err == nil {
		t.Fatal("expected error for unknown quote")
	}
}

func TestGetActiveKeysets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/keys" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		rw.Write([]byte(`{"keysets":[{"id":"009a1f293253e41e","unit":"sat","keys":{"1":"02194603ffa36356f4a56b7df9371fc3192472351453ec7398b8da8117e7c3e104","2":"03b0f36d6d47ce14df8a7be9137712c42bcdd960b19dd02f1d4a9703b1f31d7513"}}]}`))
	}))
	defer server.Close()

	keys, err := New(server.URL).GetActiveKeysets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys.Keysets) != 1 {
		t.Fatalf("expected 1 keyset but got %v", len(keys.Keysets))
	}
	keyset := keys.Keysets[0]
	if keyset.Id != "009a1f293253e41e" || keyset.Unit != "sat" {
		t.Fatalf("unexpected keyset '%v' '%v'", keyset.Id, keyset.Unit)
	}
	if len(keyset.Keys) != 2 || keyset.Keys[2] != "03b0f36d6d47ce14df8a7be9137712c42bcdd960b19dd02f1d4a9703b1f31d7513" {
		t.Fatalf("unexpected keys %v", keyset.Keys)
	}
}
