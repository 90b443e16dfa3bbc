package keysets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/crypto"
	"github.com/elnosh/nutsend/wallet"
)

const DefaultRefreshInterval = time.Minute

var ErrNoActiveKeyset = errors.New("could not find an active keyset for the unit")

type cachedKeysets struct {
	keysets   wallet.Keysets
	fetchedAt time.Time
}

// Provider serves keysets from memory, refreshing them from the mint
// at most once per interval and falling back to the store when the
// mint cannot be reached.
type Provider struct {
	store    *Store
	clients  wallet.MintClients
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedKeysets
}

func NewProvider(store *Store, clients wallet.MintClients, interval time.Duration, logger *slog.Logger) *Provider {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:    store,
		clients:  clients,
		interval: interval,
		logger:   logger,
		cache:    make(map[string]cachedKeysets),
	}
}

func cacheKey(mintURL string, unit cashu.Unit) string {
	return mintURL + "|" + unit.String()
}

// Keysets returns every keyset of unit the mint has had, active or not.
func (p *Provider) Keysets(ctx context.Context, mintURL string, unit cashu.Unit) (wallet.Keysets, error) {
	mintURL = strings.TrimSuffix(mintURL, "/")

	p.mu.Lock()
	defer p.mu.Unlock()

	key := cacheKey(mintURL, unit)
	cached, ok := p.cache[key]
	if ok && time.Since(cached.fetchedAt) < p.interval {
		return cached.keysets, nil
	}

	keysets, err := p.refresh(ctx, mintURL, unit)
	if err != nil {
		p.logger.Warn("could not refresh keysets from mint",
			slog.String("mint", mintURL), slog.String("error", err.Error()))

		keysets, err = p.stored(mintURL, unit)
		if err != nil {
			return nil, err
		}
		if len(keysets) == 0 {
			return nil, fmt.Errorf("no keysets available for mint %v", mintURL)
		}
		return keysets, nil
	}
	if len(keysets) == 0 {
		return nil, fmt.Errorf("mint %v has no keysets for unit %v", mintURL, unit)
	}

	p.cache[key] = cachedKeysets{keysets: keysets, fetchedAt: time.Now()}
	return keysets, nil
}

func (p *Provider) ActiveKeyset(ctx context.Context, mintURL string, unit cashu.Unit) (*crypto.WalletKeyset, error) {
	keysets, err := p.Keysets(ctx, mintURL, unit)
	if err != nil {
		return nil, err
	}
	for _, keyset := range keysets {
		if keyset.Active {
			keyset := keyset
			return &keyset, nil
		}
	}
	return nil, ErrNoActiveKeyset
}

// Invalidate forces the next call for the mint to refetch.
func (p *Provider) Invalidate(mintURL string, unit cashu.Unit) {
	mintURL = strings.TrimSuffix(mintURL, "/")
	p.mu.Lock()
	delete(p.cache, cacheKey(mintURL, unit))
	p.mu.Unlock()
}

func (p *Provider) stored(mintURL string, unit cashu.Unit) (wallet.Keysets, error) {
	storedKeysets, err := p.store.GetKeysets(mintURL)
	if err != nil {
		return nil, err
	}
	keysets := make(wallet.Keysets)
	for _, keyset := range storedKeysets {
		if keyset.Unit == unit.String() {
			keysets[keyset.Id] = *keyset
		}
	}
	return keysets, nil
}

func (p *Provider) refresh(ctx context.Context, mintURL string, unit cashu.Unit) (wallet.Keysets, error) {
	client := p.clients.Client(mintURL)
	keysetsResponse, err := client.GetAllKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	known, err := p.stored(mintURL, unit)
	if err != nil {
		return nil, err
	}

	keysets := make(wallet.Keysets)
	for _, keysetRes := range keysetsResponse.Keysets {
		// ignore keysets with non-hex ids
		if _, err := hex.DecodeString(keysetRes.Id); err != nil || keysetRes.Unit != unit.String() {
			continue
		}

		keyset, ok := known[keysetRes.Id]
		if !ok {
			fetched, err := p.fetchKeyset(ctx, client, keysetRes.Id)
			if err != nil {
				return nil, err
			}
			keyset = *fetched
		}

		if !ok || keyset.Active != keysetRes.Active || keyset.InputFeePpk != keysetRes.InputFeePpk {
			keyset.Active = keysetRes.Active
			keyset.InputFeePpk = keysetRes.InputFeePpk
			if err := p.store.SaveKeyset(&keyset); err != nil {
				return nil, err
			}
		}
		keysets[keyset.Id] = keyset
	}

	return keysets, nil
}

func (p *Provider) fetchKeyset(ctx context.Context, client wallet.MintClient, id string) (*crypto.WalletKeyset, error) {
	keysetsResponse, err := client.GetKeysetById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %v", err)
	}
	if len(keysetsResponse.Keysets) == 0 {
		return nil, fmt.Errorf("mint did not return keys for keyset %v", id)
	}

	keysetRes := keysetsResponse.Keysets[0]
	keys, err := crypto.MapPubKeys(keysetRes.Keys)
	if err != nil {
		return nil, err
	}
	derivedId := crypto.DeriveKeysetId(keys)
	if derivedId != id {
		return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derivedId, id)
	}

	return &crypto.WalletKeyset{
		Id:         id,
		MintURL:    strings.TrimSuffix(client.MintURL(), "/"),
		Unit:       keysetRes.Unit,
		PublicKeys: keys,
	}, nil
}
