package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dbFileName = "wallet.sqlite.db"

type SQLiteDB struct {
	db   *sql.DB
	feed *changefeed.Feed
}

// InitSQLite opens the wallet database under path and runs pending
// migrations. Committed writes are published on feed if it is not nil.
func InitSQLite(path string, feed *changefeed.Feed) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, dbFileName)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}
	m.Close()

	db, err := sql.Open("sqlite3", dbpath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// one writer at a time, version checks do the rest
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db, feed: feed}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (sqlite *SQLiteDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) publish(table changefeed.Table, kind changefeed.Kind, id string, record any) {
	if sqlite.feed == nil {
		return
	}
	sqlite.feed.Publish(changefeed.Event{Table: table, Kind: kind, ID: id, Record: record})
}

// checkUpdated maps a version-checked update that matched no row to
// ErrNotFound or ErrConcurrencyConflict.
func checkUpdated(ctx context.Context, tx *sql.Tx, result sql.Result, table, id string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", table, id, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %v: %w", table, id, storage.ErrConcurrencyConflict)
}

func marshalProofs(proofs cashu.Proofs) (string, error) {
	if proofs == nil {
		proofs = cashu.Proofs{}
	}
	jsonProofs, err := json.Marshal(proofs)
	if err != nil {
		return "", err
	}
	return string(jsonProofs), nil
}

func unmarshalProofs(data string) (cashu.Proofs, error) {
	proofs := cashu.Proofs{}
	if err := json.Unmarshal([]byte(data), &proofs); err != nil {
		return nil, err
	}
	return proofs, nil
}

func toUnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (sqlite *SQLiteDB) CreateAccount(ctx context.Context, account *wallet.Account) (*wallet.Account, error) {
	proofs, err := marshalProofs(account.Proofs)
	if err != nil {
		return nil, err
	}
	counters := account.KeysetCounters
	if counters == nil {
		counters = map[string]uint32{}
	}
	jsonCounters, err := json.Marshal(counters)
	if err != nil {
		return nil, err
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = sqlite.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, mint_url, currency, proofs, keyset_counters, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, account.MintURL, string(account.Currency),
		proofs, string(jsonCounters), 1, toUnixMilli(createdAt),
	)
	if err != nil {
		return nil, err
	}

	created, err := getAccount(ctx, sqlite.db, account.ID)
	if err != nil {
		return nil, err
	}
	sqlite.publish(changefeed.Accounts, changefeed.Insert, created.ID, created)
	return created, nil
}

func (sqlite *SQLiteDB) GetAccount(ctx context.Context, id string) (*wallet.Account, error) {
	return getAccount(ctx, sqlite.db, id)
}

func (sqlite *SQLiteDB) ListAccounts(ctx context.Context, userID string) ([]*wallet.Account, error) {
	rows, err := sqlite.db.QueryContext(ctx, `
		SELECT id, user_id, mint_url, currency, proofs, keyset_counters, version, created_at
		FROM accounts WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []*wallet.Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (sqlite *SQLiteDB) UpdateAccount(ctx context.Context, update storage.AccountUpdate) (*wallet.Account, error) {
	var account *wallet.Account
	err := sqlite.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		account, err = updateAccount(ctx, tx, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	sqlite.publish(changefeed.Accounts, changefeed.Update, account.ID, account)
	return account, nil
}

func getAccount(ctx context.Context, q queryer, id string) (*wallet.Account, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, mint_url, currency, proofs, keyset_counters, version, created_at
		FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %v: %w", id, storage.ErrNotFound)
	}
	return account, err
}

func scanAccount(row scanner) (*wallet.Account, error) {
	var account wallet.Account
	var currency, proofs, counters string
	var createdAt int64

	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.MintURL,
		&currency,
		&proofs,
		&counters,
		&account.Version,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	account.Currency = wallet.Currency(currency)
	account.CreatedAt = fromUnixMilli(createdAt)
	if account.Proofs, err = unmarshalProofs(proofs); err != nil {
		return nil, err
	}
	account.KeysetCounters = map[string]uint32{}
	if err := json.Unmarshal([]byte(counters), &account.KeysetCounters); err != nil {
		return nil, err
	}
	return &account, nil
}

func updateAccount(ctx context.Context, tx *sql.Tx, update storage.AccountUpdate) (*wallet.Account, error) {
	proofs, err := marshalProofs(update.Proofs)
	if err != nil {
		return nil, err
	}
	counters := update.KeysetCounters
	if counters == nil {
		counters = map[string]uint32{}
	}
	jsonCounters, err := json.Marshal(counters)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET proofs = ?, keyset_counters = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		proofs, string(jsonCounters), update.ID, update.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := checkUpdated(ctx, tx, result, "accounts", update.ID); err != nil {
		return nil, err
	}
	return getAccount(ctx, tx, update.ID)
}

func (sqlite *SQLiteDB) TryAcquireLease(ctx context.Context, userID, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := sqlite.db.ExecContext(ctx, `
		INSERT INTO task_leases (user_id, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE task_leases.holder = excluded.holder OR task_leases.expires_at < ?`,
		userID, holder, toUnixMilli(now.Add(ttl)), toUnixMilli(now),
	)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}
