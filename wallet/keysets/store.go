// Package keysets keeps the mint keysets and the wallet seed on disk
// and refreshes keysets from the mint.
package keysets

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/elnosh/nutsend/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket = "keysets"
	seedBucket    = "seed"
	mnemonicKey   = "mnemonic"
)

var ErrMnemonicNotFound = errors.New("mnemonic not found")

// Store is a bbolt file holding keysets per mint and the mnemonic.
type Store struct {
	bolt *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(path, "keysets.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening keyset store: %v", err)
	}

	store := &Store{bolt: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initBuckets() error {
	return s.bolt.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(keysetsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(seedBucket))
		return err
	})
}

func (s *Store) Close() error {
	return s.bolt.Close()
}

type storedKeyset struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	InputFeePpk uint              `json:"input_fee_ppk"`
	PublicKeys  map[uint64]string `json:"public_keys"`
}

func toStored(keyset *crypto.WalletKeyset) storedKeyset {
	publicKeys := make(map[uint64]string, len(keyset.PublicKeys))
	for amount, key := range keyset.PublicKeys {
		publicKeys[amount] = fmt.Sprintf("%x", key.SerializeCompressed())
	}
	return storedKeyset{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		InputFeePpk: keyset.InputFeePpk,
		PublicKeys:  publicKeys,
	}
}

func (stored storedKeyset) toWalletKeyset() (*crypto.WalletKeyset, error) {
	publicKeys, err := crypto.MapPubKeys(stored.PublicKeys)
	if err != nil {
		return nil, err
	}
	return &crypto.WalletKeyset{
		Id:          stored.Id,
		MintURL:     stored.MintURL,
		Unit:        stored.Unit,
		Active:      stored.Active,
		InputFeePpk: stored.InputFeePpk,
		PublicKeys:  publicKeys,
	}, nil
}

// SaveKeyset stores the keyset under its mint, replacing any previous copy.
func (s *Store) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(toStored(keyset))
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	return s.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (s *Store) GetKeysets(mintURL string) ([]*crypto.WalletKeyset, error) {
	keysets := []*crypto.WalletKeyset{}

	err := s.bolt.View(func(tx *bolt.Tx) error {
		mintBucket := tx.Bucket([]byte(keysetsBucket)).Bucket([]byte(mintURL))
		if mintBucket == nil {
			return nil
		}

		return mintBucket.ForEach(func(k, v []byte) error {
			var stored storedKeyset
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("error getting keysets: %v", err)
			}
			keyset, err := stored.toWalletKeyset()
			if err != nil {
				return err
			}
			keysets = append(keysets, keyset)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keysets, nil
}

func (s *Store) SaveMnemonic(mnemonic string) error {
	return s.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(seedBucket)).Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (s *Store) GetMnemonic() (string, error) {
	var mnemonic string
	err := s.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey))
		if value == nil {
			return ErrMnemonicNotFound
		}
		mnemonic = string(value)
		return nil
	})
	return mnemonic, err
}
