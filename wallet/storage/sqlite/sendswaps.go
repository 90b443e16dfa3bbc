package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/storage"
)

const sendSwapColumns = `id, user_id, account_id, transaction_id, mint_url, created_at, currency,
	amount_requested, amount_to_send, receive_swap_fee, send_swap_fee, total_amount, input_proofs,
	input_amount, state, keyset_id, keyset_counter, output_amounts, proofs_to_send, token_hash,
	failure_reason, version`

func (sqlite *SQLiteDB) CreateSendSwap(ctx context.Context, swap *wallet.SendSwap,
	update storage.AccountUpdate) (*wallet.SendSwap, *wallet.Account, error) {

	if swap.AccountID != update.ID {
		return nil, nil, fmt.Errorf("swap account %v does not match account %v", swap.AccountID, update.ID)
	}
	inputProofs, err := marshalProofs(swap.InputProofs)
	if err != nil {
		return nil, nil, err
	}

	var outputAmounts, proofsToSend sql.NullString
	if swap.OutputAmounts != nil {
		jsonAmounts, err := json.Marshal(swap.OutputAmounts)
		if err != nil {
			return nil, nil, err
		}
		outputAmounts = sql.NullString{String: string(jsonAmounts), Valid: true}
	}
	if swap.ProofsToSend != nil {
		jsonProofs, err := marshalProofs(swap.ProofsToSend)
		if err != nil {
			return nil, nil, err
		}
		proofsToSend = sql.NullString{String: jsonProofs, Valid: true}
	}

	var created *wallet.SendSwap
	var account *wallet.Account
	err = sqlite.withTx(ctx, func(tx *sql.Tx) error {
		account, err = updateAccount(ctx, tx, update)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO send_swaps (`+sendSwapColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			swap.ID,
			swap.UserID,
			swap.AccountID,
			swap.TransactionID,
			swap.MintURL,
			toUnixMilli(swap.CreatedAt),
			string(swap.Currency),
			swap.AmountRequested,
			swap.AmountToSend,
			swap.ReceiveSwapFee,
			swap.SendSwapFee,
			swap.TotalAmount,
			inputProofs,
			swap.InputAmount,
			string(swap.State),
			swap.KeysetID,
			swap.KeysetCounter,
			outputAmounts,
			proofsToSend,
			swap.TokenHash,
			"",
			1,
		)
		if err != nil {
			return err
		}

		created, err = getSendSwap(ctx, tx, swap.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	sqlite.publish(changefeed.Accounts, changefeed.Update, account.ID, account)
	sqlite.publish(changefeed.SendSwaps, changefeed.Insert, created.ID, created)
	return created, account, nil
}

func (sqlite *SQLiteDB) GetSendSwap(ctx context.Context, id string) (*wallet.SendSwap, error) {
	return getSendSwap(ctx, sqlite.db, id)
}

func (sqlite *SQLiteDB) GetUnresolvedSendSwaps(ctx context.Context, userID string) ([]*wallet.SendSwap, error) {
	rows, err := sqlite.db.QueryContext(ctx, `SELECT `+sendSwapColumns+` FROM send_swaps
		WHERE user_id = ? AND state IN (?, ?) ORDER BY created_at`,
		userID, string(wallet.SendSwapDraft), string(wallet.SendSwapPending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	swaps := []*wallet.SendSwap{}
	for rows.Next() {
		swap, err := scanSendSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

func (sqlite *SQLiteDB) CommitProofsToSend(ctx context.Context,
	params storage.CommitProofsToSendParams) (*wallet.SendSwap, *wallet.Account, error) {

	proofsToSend, err := marshalProofs(params.ProofsToSend)
	if err != nil {
		return nil, nil, err
	}

	var swap *wallet.SendSwap
	var account *wallet.Account
	err = sqlite.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE send_swaps SET state = ?, proofs_to_send = ?, token_hash = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(wallet.SendSwapPending), proofsToSend, params.TokenHash, params.SwapID, params.SwapVersion,
		)
		if err != nil {
			return err
		}
		if err := checkUpdated(ctx, tx, result, "send_swaps", params.SwapID); err != nil {
			return err
		}
		if account, err = updateAccount(ctx, tx, params.Account); err != nil {
			return err
		}
		swap, err = getSendSwap(ctx, tx, params.SwapID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	sqlite.publish(changefeed.Accounts, changefeed.Update, account.ID, account)
	sqlite.publish(changefeed.SendSwaps, changefeed.Update, swap.ID, swap)
	return swap, account, nil
}

func (sqlite *SQLiteDB) CompleteSendSwap(ctx context.Context, swapID string, swapVersion int64) (*wallet.SendSwap, error) {
	return sqlite.updateSendSwapState(ctx, swapID, `
		UPDATE send_swaps SET state = ?, version = version + 1 WHERE id = ? AND version = ?`,
		string(wallet.SendSwapCompleted), swapID, swapVersion,
	)
}

func (sqlite *SQLiteDB) FailSendSwap(ctx context.Context, swapID string, swapVersion int64, reason string) (*wallet.SendSwap, error) {
	return sqlite.updateSendSwapState(ctx, swapID, `
		UPDATE send_swaps SET state = ?, failure_reason = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(wallet.SendSwapFailed), reason, swapID, swapVersion,
	)
}

func (sqlite *SQLiteDB) ReverseSendSwap(ctx context.Context, swapID string, swapVersion int64,
	update storage.AccountUpdate) (*wallet.SendSwap, *wallet.Account, error) {

	var swap *wallet.SendSwap
	var account *wallet.Account
	err := sqlite.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE send_swaps SET state = ?, version = version + 1 WHERE id = ? AND version = ?`,
			string(wallet.SendSwapReversed), swapID, swapVersion,
		)
		if err != nil {
			return err
		}
		if err := checkUpdated(ctx, tx, result, "send_swaps", swapID); err != nil {
			return err
		}
		if account, err = updateAccount(ctx, tx, update); err != nil {
			return err
		}
		swap, err = getSendSwap(ctx, tx, swapID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	sqlite.publish(changefeed.Accounts, changefeed.Update, account.ID, account)
	sqlite.publish(changefeed.SendSwaps, changefeed.Update, swap.ID, swap)
	return swap, account, nil
}

func (sqlite *SQLiteDB) updateSendSwapState(ctx context.Context, swapID string,
	query string, args ...any) (*wallet.SendSwap, error) {

	var swap *wallet.SendSwap
	err := sqlite.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if err := checkUpdated(ctx, tx, result, "send_swaps", swapID); err != nil {
			return err
		}
		swap, err = getSendSwap(ctx, tx, swapID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sqlite.publish(changefeed.SendSwaps, changefeed.Update, swap.ID, swap)
	return swap, nil
}

func getSendSwap(ctx context.Context, q queryer, id string) (*wallet.SendSwap, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sendSwapColumns+` FROM send_swaps WHERE id = ?`, id)
	swap, err := scanSendSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("send swap %v: %w", id, storage.ErrNotFound)
	}
	return swap, err
}

func scanSendSwap(row scanner) (*wallet.SendSwap, error) {
	var swap wallet.SendSwap
	var createdAt int64
	var currency, inputProofs, state string
	var outputAmounts, proofsToSend sql.NullString

	err := row.Scan(
		&swap.ID,
		&swap.UserID,
		&swap.AccountID,
		&swap.TransactionID,
		&swap.MintURL,
		&createdAt,
		&currency,
		&swap.AmountRequested,
		&swap.AmountToSend,
		&swap.ReceiveSwapFee,
		&swap.SendSwapFee,
		&swap.TotalAmount,
		&inputProofs,
		&swap.InputAmount,
		&state,
		&swap.KeysetID,
		&swap.KeysetCounter,
		&outputAmounts,
		&proofsToSend,
		&swap.TokenHash,
		&swap.FailureReason,
		&swap.Version,
	)
	if err != nil {
		return nil, err
	}

	swap.CreatedAt = fromUnixMilli(createdAt)
	swap.Currency = wallet.Currency(currency)
	swap.State = wallet.SendSwapState(state)
	if swap.InputProofs, err = unmarshalProofs(inputProofs); err != nil {
		return nil, err
	}
	if outputAmounts.Valid {
		swap.OutputAmounts = &wallet.OutputAmounts{}
		if err := json.Unmarshal([]byte(outputAmounts.String), swap.OutputAmounts); err != nil {
			return nil, err
		}
	}
	if proofsToSend.Valid {
		if swap.ProofsToSend, err = unmarshalProofs(proofsToSend.String); err != nil {
			return nil, err
		}
	}
	return &swap, nil
}
