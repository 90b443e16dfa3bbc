package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut13"
	"github.com/elnosh/nutsend/crypto"
)

var ErrSignatureMismatch = errors.New("signatures do not match outputs")

// OutputData holds blinded messages with the secret and blinding
// factor each was made from, index aligned.
type OutputData struct {
	BlindedMessages cashu.BlindedMessages
	Secrets         []string
	Rs              []*secp256k1.PrivateKey
}

func (o *OutputData) Len() int {
	return len(o.BlindedMessages)
}

// Append returns o followed by other.
func (o *OutputData) Append(other *OutputData) *OutputData {
	return &OutputData{
		BlindedMessages: append(append(cashu.BlindedMessages{}, o.BlindedMessages...), other.BlindedMessages...),
		Secrets:         append(append([]string{}, o.Secrets...), other.Secrets...),
		Rs:              append(append([]*secp256k1.PrivateKey{}, o.Rs...), other.Rs...),
	}
}

// Slice returns outputs in [from, to).
func (o *OutputData) Slice(from, to int) *OutputData {
	return &OutputData{
		BlindedMessages: o.BlindedMessages[from:to],
		Secrets:         o.Secrets[from:to],
		Rs:              o.Rs[from:to],
	}
}

// DeriveOutputs creates one blinded message per amount. Output i uses
// the secret and blinding factor at counter+i under keysetId, so the
// same call always yields the same outputs.
func DeriveOutputs(master *hdkeychain.ExtendedKey, keysetId string, counter uint32, amounts []uint64) (*OutputData, error) {
	keysetPath, err := nut13.DeriveKeysetPath(master, keysetId)
	if err != nil {
		return nil, err
	}

	outputs := &OutputData{
		BlindedMessages: make(cashu.BlindedMessages, len(amounts)),
		Secrets:         make([]string, len(amounts)),
		Rs:              make([]*secp256k1.PrivateKey, len(amounts)),
	}
	for i, amount := range amounts {
		secret, r, err := nut13.DeriveSecretAndBlindingFactor(keysetPath, counter+uint32(i))
		if err != nil {
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}
		outputs.BlindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		outputs.Secrets[i] = secret
		outputs.Rs[i] = r
	}
	return outputs, nil
}

// BlankOutputs derives n outputs of amount 1 for the mint to fill in
// as melt change.
func BlankOutputs(master *hdkeychain.ExtendedKey, keysetId string, counter uint32, n uint32) (*OutputData, error) {
	amounts := make([]uint64, n)
	for i := range amounts {
		amounts[i] = 1
	}
	return DeriveOutputs(master, keysetId, counter, amounts)
}

// ConstructProofs unblinds signatures into proofs. signatures[i] must
// belong to outputs i, which holds for swap and change responses.
func ConstructProofs(signatures cashu.BlindedSignatures, outputs *OutputData,
	keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(signatures) > outputs.Len() {
		return nil, ErrSignatureMismatch
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C, err := unblindSignature(signature, outputs.Rs[i], keyset)
		if err != nil {
			return nil, err
		}
		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: outputs.Secrets[i],
			C:      C,
		}
	}
	return proofs, nil
}

// ConstructRestoredProofs unblinds signatures returned by a restore
// call, matching each to its output by B_ since the mint only returns
// the outputs it had signed.
func ConstructRestoredProofs(restoredOutputs cashu.BlindedMessages, signatures cashu.BlindedSignatures,
	outputs *OutputData, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(restoredOutputs) != len(signatures) {
		return nil, ErrSignatureMismatch
	}

	index := make(map[string]int, outputs.Len())
	for i, msg := range outputs.BlindedMessages {
		index[msg.B_] = i
	}

	proofs := make(cashu.Proofs, 0, len(signatures))
	for i, signature := range signatures {
		j, ok := index[restoredOutputs[i].B_]
		if !ok {
			return nil, ErrSignatureMismatch
		}
		C, err := unblindSignature(signature, outputs.Rs[j], keyset)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: outputs.Secrets[j],
			C:      C,
		})
	}
	return proofs, nil
}

func unblindSignature(signature cashu.BlindedSignature, r *secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset) (string, error) {

	K, ok := keyset.PublicKeys[signature.Amount]
	if !ok {
		return "", fmt.Errorf("keyset %v has no key for amount %v", keyset.Id, signature.Amount)
	}
	C_bytes, err := hex.DecodeString(signature.C_)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}
	C := crypto.UnblindSignature(C_, r, K)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}

// ProofY returns the hex encoded Y = hash_to_curve(secret) the mint
// uses to identify a proof.
func ProofY(secret string) (string, error) {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

func ProofYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := ProofY(proof.Secret)
		if err != nil {
			return nil, err
		}
		Ys[i] = Y
	}
	return Ys, nil
}

// TokenHash identifies an encoded token: hex sha256 of its string form.
func TokenHash(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// EncodeToken serializes proofs as a V4 token for the mint.
func EncodeToken(proofs cashu.Proofs, mintURL string, currency Currency) (string, error) {
	unit, err := currency.Unit()
	if err != nil {
		return "", err
	}
	token, err := cashu.NewTokenV4(proofs, mintURL, unit, false)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}
