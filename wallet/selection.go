package wallet

import (
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/crypto"
)

// Keysets indexes a mint's keysets by id.
type Keysets map[string]crypto.WalletKeyset

// Fees returns the input fee the mint charges to spend proofs:
// the sum of each proof's keyset input_fee_ppk, rounded up to a
// whole unit. Proofs from unknown keysets are charged nothing.
func (ks Keysets) Fees(proofs cashu.Proofs) uint64 {
	var ppk uint64
	for _, proof := range proofs {
		if keyset, ok := ks[proof.Id]; ok {
			ppk += uint64(keyset.InputFeePpk)
		}
	}
	return (ppk + 999) / 1000
}

// OutputFees is the fee to later spend outputs of the given amounts
// issued on keyset.
func OutputFees(amounts []uint64, keyset *crypto.WalletKeyset) uint64 {
	ppk := uint64(len(amounts)) * uint64(keyset.InputFeePpk)
	return (ppk + 999) / 1000
}

// SelectProofs picks proofs until their total reaches amount. Proofs
// from inactive keysets are spent first, then the rest in stored order.
// It returns nil if the proofs do not add up to amount.
func (ks Keysets) SelectProofs(proofs cashu.Proofs, amount uint64) cashu.Proofs {
	if proofs.Amount() < amount {
		return nil
	}

	var inactiveKeysetProofs, activeKeysetProofs cashu.Proofs
	for _, proof := range proofs {
		if keyset, ok := ks[proof.Id]; ok && keyset.Active {
			activeKeysetProofs = append(activeKeysetProofs, proof)
		} else {
			inactiveKeysetProofs = append(inactiveKeysetProofs, proof)
		}
	}

	selected := cashu.Proofs{}
	var currentAmount uint64
	addKeysetProofs := func(proofs cashu.Proofs) {
		for _, proof := range proofs {
			if currentAmount >= amount {
				return
			}
			selected = append(selected, proof)
			currentAmount += proof.Amount
		}
	}
	addKeysetProofs(inactiveKeysetProofs)
	addKeysetProofs(activeKeysetProofs)

	if currentAmount < amount {
		return nil
	}
	return selected
}

// SelectProofsWithFees selects proofs covering amount plus the input
// fee of the selection itself. The fee estimate is refined once: if
// the first selection does not cover its own fee, selection reruns for
// amount+fee. Failure returns an *InsufficientBalanceError whose
// Required includes the estimated fee.
func (ks Keysets) SelectProofsWithFees(proofs cashu.Proofs, amount uint64) (cashu.Proofs, uint64, error) {
	available := proofs.Amount()

	selected := ks.SelectProofs(proofs, amount)
	if selected == nil {
		// short of amount, a covering selection spends every proof
		return nil, 0, &InsufficientBalanceError{
			Required:  amount + ks.Fees(proofs),
			Available: available,
		}
	}
	fee := ks.Fees(selected)
	if selected.Amount() >= amount+fee {
		return selected, fee, nil
	}

	selected = ks.SelectProofs(proofs, amount+fee)
	if selected == nil {
		return nil, 0, &InsufficientBalanceError{Required: amount + fee, Available: available}
	}
	fee = ks.Fees(selected)
	if selected.Amount() < amount+fee {
		return nil, 0, &InsufficientBalanceError{Required: amount + fee, Available: available}
	}
	return selected, fee, nil
}
