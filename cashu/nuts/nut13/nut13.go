// Package nut13 contains the deterministic secret derivation defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DeriveKeysetPath derives m/129372'/0'/keyset_k_int'
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return nil, fmt.Errorf("invalid keyset id '%v': %v", keysetId, err)
	}
	if len(keysetBytes) < 8 {
		return nil, fmt.Errorf("invalid keyset id '%v': too short", keysetId)
	}
	bigEndianBytes := binary.BigEndian.Uint64(keysetBytes)
	keysetIdInt := bigEndianBytes % (1<<31 - 1)

	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	return coinType.Derive(hdkeychain.HardenedKeyStart + uint32(keysetIdInt))
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	// m/129372'/0'/keyset_k_int'/counter'/1
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}

	rDerivationPath, err := counterPath.Derive(1)
	if err != nil {
		return nil, err
	}

	return rDerivationPath.ECPrivKey()
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	// m/129372'/0'/keyset_k_int'/counter'/0
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", err
	}

	secretDerivationPath, err := counterPath.Derive(0)
	if err != nil {
		return "", err
	}

	secretKey, err := secretDerivationPath.ECPrivKey()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(secretKey.Serialize()), nil
}

// DeriveSecretAndBlindingFactor returns the secret and r for the counter.
func DeriveSecretAndBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, fmt.Errorf("error deriving secret: %v", err)
	}
	r, err := DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, fmt.Errorf("error deriving r: %v", err)
	}
	return secret, r, nil
}
