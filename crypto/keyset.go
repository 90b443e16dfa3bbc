package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// WalletKeyset is the wallet view of a mint keyset: public keys only.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
}

// MintKeyset holds private keys. The wallet only uses it to
// stand in for a mint in tests and tooling.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	Keys        map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

func GenerateKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	keys := make(map[uint64]KeyPair, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: pubKey}
	}

	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, kp := range keys {
		publicKeys[amount] = kp.PublicKey
	}

	return &MintKeyset{
		Id:          DeriveKeysetId(publicKeys),
		Unit:        "sat",
		Active:      true,
		InputFeePpk: inputFeePpk,
		Keys:        keys,
	}
}

// DerivePublic returns the amount to hex public key map served by a mint.
func (ks *MintKeyset) DerivePublic() map[uint64]string {
	pubKeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubKeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubKeys
}

// DeriveKeysetId returns "00" + first 14 hex chars of sha256 over
// the concatenated public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses the hex keys returned by the mint.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}
