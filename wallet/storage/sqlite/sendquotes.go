package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/storage"
)

const sendQuoteColumns = `id, user_id, account_id, created_at, expires_at, payment_request, payment_hash,
	amount_requested, amount_requested_currency, amount_requested_msat, amount_to_receive,
	lightning_fee_reserve, cashu_fee, quote_id, currency, proofs, keyset_id, keyset_counter,
	number_of_change_outputs, state, payment_preimage, amount_spent, lightning_fee, failure_reason, version`

func (sqlite *SQLiteDB) CreateSendQuote(ctx context.Context, quote *wallet.SendQuote,
	update storage.AccountUpdate) (*wallet.SendQuote, *wallet.Account, error) {

	if quote.AccountID != update.ID {
		return nil, nil, fmt.Errorf("quote account %v does not match account %v", quote.AccountID, update.ID)
	}
	proofs, err := marshalProofs(quote.Proofs)
	if err != nil {
		return nil, nil, err
	}

	var created *wallet.SendQuote
	var account *wallet.Account
	err = sqlite.withTx(ctx, func(tx *sql.Tx) error {
		account, err = updateAccount(ctx, tx, update)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO send_quotes (`+sendQuoteColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			quote.ID,
			quote.UserID,
			quote.AccountID,
			toUnixMilli(quote.CreatedAt),
			toUnixMilli(quote.ExpiresAt),
			quote.PaymentRequest,
			quote.PaymentHash,
			quote.AmountRequested,
			string(quote.AmountRequestedCurrency),
			quote.AmountRequestedMsat,
			quote.AmountToReceive,
			quote.LightningFeeReserve,
			quote.CashuFee,
			quote.QuoteID,
			string(quote.Currency),
			proofs,
			quote.KeysetID,
			quote.KeysetCounter,
			quote.NumberOfChangeOutputs,
			string(wallet.SendQuoteUnpaid),
			"",
			0,
			0,
			"",
			1,
		)
		if err != nil {
			return err
		}

		created, err = getSendQuote(ctx, tx, quote.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	sqlite.publish(changefeed.Accounts, changefeed.Update, account.ID, account)
	sqlite.publish(changefeed.SendQuotes, changefeed.Insert, created.ID, created)
	return created, account, nil
}

func (sqlite *SQLiteDB) GetSendQuote(ctx context.Context, id string) (*wallet.SendQuote, error) {
	return getSendQuote(ctx, sqlite.db, id)
}

func (sqlite *SQLiteDB) GetUnresolvedSendQuotes(ctx context.Context, userID string) ([]*wallet.SendQuote, error) {
	rows, err := sqlite.db.QueryContext(ctx, `SELECT `+sendQuoteColumns+` FROM send_quotes
		WHERE user_id = ? AND state IN (?, ?) ORDER BY created_at`,
		userID, string(wallet.SendQuoteUnpaid), string(wallet.SendQuotePending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []*wallet.SendQuote{}
	for rows.Next() {
		quote, err := scanSendQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

func (sqlite *SQLiteDB) MarkSendQuotePending(ctx context.Context, quoteID string, quoteVersion int64) (*wallet.SendQuote, error) {
	var quote *wallet.SendQuote
	err := sqlite.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE send_quotes SET state = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(wallet.SendQuotePending), quoteID, quoteVersion,
		)
		if err != nil {
			return err
		}
		if err := checkUpdated(ctx, tx, result, "send_quotes", quoteID); err != nil {
			return err
		}
		quote, err = getSendQuote(ctx, tx, quoteID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sqlite.publish(changefeed.SendQuotes, changefeed.Update, quote.ID, quote)
	return quote, nil
}

func (sqlite *SQLiteDB) CompleteSendQuote(ctx context.Context,
	params storage.CompleteSendQuoteParams) (*wallet.SendQuote, *wallet.Account, error) {

	return sqlite.finalizeSendQuote(ctx, params.QuoteID, params.Account, `
		UPDATE send_quotes SET state = ?, payment_preimage = ?, amount_spent = ?, lightning_fee = ?,
		version = version + 1 WHERE id = ? AND version = ?`,
		string(wallet.SendQuotePaid), params.PaymentPreimage, params.AmountSpent, params.LightningFee,
		params.QuoteID, params.QuoteVersion,
	)
}

func (sqlite *SQLiteDB) ExpireSendQuote(ctx context.Context, quoteID string, quoteVersion int64,
	update storage.AccountUpdate) (*wallet.SendQuote, *wallet.Account, error) {

	return sqlite.finalizeSendQuote(ctx, quoteID, update, `
		UPDATE send_quotes SET state = ?, version = version + 1 WHERE id = ? AND version = ?`,
		string(wallet.SendQuoteExpired), quoteID, quoteVersion,
	)
}

func (sqlite *SQLiteDB) FailSendQuote(ctx context.Context, quoteID string, quoteVersion int64, reason string,
	update storage.AccountUpdate) (*wallet.SendQuote, *wallet.Account, error) {

	return sqlite.finalizeSendQuote(ctx, quoteID, update, `
		UPDATE send_quotes SET state = ?, failure_reason = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(wallet.SendQuoteFailed), reason, quoteID, quoteVersion,
	)
}

// finalizeSendQuote runs the version-checked quote update together
// with the account update in one transaction.
func (sqlite *SQLiteDB) finalizeSendQuote(ctx context.Context, quoteID string, update storage.AccountUpdate,
	query string, args ...any) (*wallet.SendQuote, *wallet.Account, error) {

	var quote *wallet.SendQuote
	var account *wallet.Account
	err := sqlite.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if err := checkUpdated(ctx, tx, result, "send_quotes", quoteID); err != nil {
			return err
		}
		if account, err = updateAccount(ctx, tx, update); err != nil {
			return err
		}
		quote, err = getSendQuote(ctx, tx, quoteID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	sqlite.publish(changefeed.Accounts, changefeed.Update, account.ID, account)
	sqlite.publish(changefeed.SendQuotes, changefeed.Update, quote.ID, quote)
	return quote, account, nil
}

func getSendQuote(ctx context.Context, q queryer, id string) (*wallet.SendQuote, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sendQuoteColumns+` FROM send_quotes WHERE id = ?`, id)
	quote, err := scanSendQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("send quote %v: %w", id, storage.ErrNotFound)
	}
	return quote, err
}

func scanSendQuote(row scanner) (*wallet.SendQuote, error) {
	var quote wallet.SendQuote
	var createdAt, expiresAt int64
	var amountRequestedCurrency, currency, proofs, state string

	err := row.Scan(
		&quote.ID,
		&quote.UserID,
		&quote.AccountID,
		&createdAt,
		&expiresAt,
		&quote.PaymentRequest,
		&quote.PaymentHash,
		&quote.AmountRequested,
		&amountRequestedCurrency,
		&quote.AmountRequestedMsat,
		&quote.AmountToReceive,
		&quote.LightningFeeReserve,
		&quote.CashuFee,
		&quote.QuoteID,
		&currency,
		&proofs,
		&quote.KeysetID,
		&quote.KeysetCounter,
		&quote.NumberOfChangeOutputs,
		&state,
		&quote.PaymentPreimage,
		&quote.AmountSpent,
		&quote.LightningFee,
		&quote.FailureReason,
		&quote.Version,
	)
	if err != nil {
		return nil, err
	}

	quote.CreatedAt = fromUnixMilli(createdAt)
	quote.ExpiresAt = fromUnixMilli(expiresAt)
	quote.AmountRequestedCurrency = wallet.Currency(amountRequestedCurrency)
	quote.Currency = wallet.Currency(currency)
	quote.State = wallet.SendQuoteState(state)
	if quote.Proofs, err = unmarshalProofs(proofs); err != nil {
		return nil, err
	}
	return &quote, nil
}
