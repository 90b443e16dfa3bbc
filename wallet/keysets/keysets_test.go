package keysets

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/crypto"
	"github.com/elnosh/nutsend/testutils"
	"github.com/elnosh/nutsend/wallet/client"
)

func TestProvider(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	inactive := crypto.GenerateKeyset("seed", "0/0/0", 0)
	inactive.Active = false
	active := crypto.GenerateKeyset("seed", "0/0/1", 400)
	mint := testutils.NewFakeMint(inactive, active)

	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("error opening store: %v", err)
	}
	defer store.Close()

	provider := NewProvider(store, client.NewPool(), 0, logger)
	keysets, err := provider.Keysets(ctx, mint.URL, cashu.Sat)
	if err != nil {
		t.Fatalf("unexpected error getting keysets: %v", err)
	}
	if len(keysets) != 2 {
		t.Fatalf("expected 2 keysets but got %v", len(keysets))
	}
	if keysets[inactive.Id].Active {
		t.Fatalf("expected keyset '%v' to be inactive", inactive.Id)
	}
	if keysets[active.Id].InputFeePpk != 400 {
		t.Fatalf("expected input fee ppk of 400 but got %v", keysets[active.Id].InputFeePpk)
	}

	activeKeyset, err := provider.ActiveKeyset(ctx, mint.URL, cashu.Sat)
	if err != nil {
		t.Fatalf("unexpected error getting active keyset: %v", err)
	}
	if activeKeyset.Id != active.Id {
		t.Fatalf("expected active keyset '%v' but got '%v'", active.Id, activeKeyset.Id)
	}
	if len(activeKeyset.PublicKeys) != len(active.Keys) {
		t.Fatalf("expected %v keys but got %v", len(active.Keys), len(activeKeyset.PublicKeys))
	}

	if _, err := provider.Keysets(ctx, mint.URL, cashu.Usd); err == nil {
		t.Fatal("expected error for unit without keysets")
	}

	mintURL := mint.URL
	mint.Close()

	// mint is gone, keysets come from the store
	offline := NewProvider(store, client.NewPool(), 0, logger)
	stored, err := offline.ActiveKeyset(ctx, mintURL, cashu.Sat)
	if err != nil {
		t.Fatalf("unexpected error getting stored keyset: %v", err)
	}
	if stored.Id != active.Id || stored.InputFeePpk != 400 {
		t.Fatalf("unexpected stored keyset: %v %v", stored.Id, stored.InputFeePpk)
	}
}

func TestMnemonic(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("error opening store: %v", err)
	}
	defer store.Close()

	if _, err := store.GetMnemonic(); err != ErrMnemonicNotFound {
		t.Fatalf("expected mnemonic not found but got '%v'", err)
	}

	mnemonic := "half depart obvious quality work element tank gorilla view sugar picture humble"
	if err := store.SaveMnemonic(mnemonic); err != nil {
		t.Fatalf("unexpected error saving mnemonic: %v", err)
	}
	got, err := store.GetMnemonic()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != mnemonic {
		t.Fatalf("expected mnemonic '%v' but got '%v'", mnemonic, got)
	}
}
