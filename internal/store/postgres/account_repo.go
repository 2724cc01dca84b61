package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
)

type AccountRepo struct {
	db *DB
}

func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

const accountColumns = `address, name, incoming_view_key, outgoing_view_key, full_view_key,
	head_sequence, head_hash, create_sequence, create_hash, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.Address, &a.Name, &a.IncomingViewKey, &a.OutgoingViewKey, &a.FullViewKey,
		&a.HeadSequence, &a.HeadHash, &a.CreateSequence, &a.CreateHash,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) Get(ctx context.Context, address string) (*model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE address = $1
	`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", address, scanerr.ErrUnknownAccount)
	}
	if err != nil {
		return nil, classifyStoreErr("get account", err)
	}
	return a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY created_at
	`)
	if err != nil {
		return nil, classifyStoreErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStoreErr("list accounts", err)
	}
	return accounts, nil
}

func (r *AccountRepo) Upsert(ctx context.Context, account *model.Account) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (address, name, incoming_view_key, outgoing_view_key, full_view_key,
			head_sequence, head_hash, create_sequence, create_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			incoming_view_key = EXCLUDED.incoming_view_key,
			outgoing_view_key = EXCLUDED.outgoing_view_key,
			full_view_key = EXCLUDED.full_view_key,
			updated_at = now()
	`, account.Address, account.Name, account.IncomingViewKey, account.OutgoingViewKey,
		account.FullViewKey, account.HeadSequence, account.HeadHash,
		account.CreateSequence, account.CreateHash)
	if err != nil {
		return classifyStoreErr("upsert account", err)
	}
	return nil
}

// CommitProgress advances the head and records matched transactions in a
// single database transaction. The guarded UPDATE enforces the single-writer
// invariant: zero rows affected with an existing account means the head moved
// outside this scheduler, which is a bug-level conflict, never silently
// overwritten.
func (r *AccountRepo) CommitProgress(
	ctx context.Context,
	address string,
	expectedHead, newHead int64,
	newHeadHash string,
	matched []model.MatchedTransaction,
) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStoreErr("begin commit tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET head_sequence = $2, head_hash = $3, updated_at = now()
		WHERE address = $1 AND head_sequence = $4
	`, address, newHead, newHeadHash, expectedHead)
	if err != nil {
		return classifyStoreErr("advance head", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classifyStoreErr("advance head", err)
	}
	if affected == 0 {
		var current int64
		err := tx.QueryRowContext(ctx,
			"SELECT head_sequence FROM accounts WHERE address = $1", address,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", address, scanerr.ErrUnknownAccount)
		}
		if err != nil {
			return classifyStoreErr("read head for conflict check", err)
		}
		return fmt.Errorf("account %s head is %d, expected %d: %w",
			address, current, expectedHead, scanerr.ErrConflict)
	}

	for _, m := range matched {
		notes, err := encodeNotes(m.Notes)
		if err != nil {
			return fmt.Errorf("encode notes for tx %s: %w", m.Hash, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO matched_transactions (address, tx_hash, sequence, notes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address, tx_hash) DO NOTHING
		`, address, m.Hash, m.Sequence, notes); err != nil {
			return classifyStoreErr("insert matched transaction", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyStoreErr("commit progress", err)
	}
	return nil
}

func (r *AccountRepo) MatchedTransactions(ctx context.Context, address string) ([]model.MatchedTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT tx_hash, sequence, notes
		FROM matched_transactions
		WHERE address = $1
		ORDER BY sequence, tx_hash
	`, address)
	if err != nil {
		return nil, classifyStoreErr("query matched transactions", err)
	}
	defer rows.Close()

	var matched []model.MatchedTransaction
	for rows.Next() {
		var m model.MatchedTransaction
		var notes []byte
		if err := rows.Scan(&m.Hash, &m.Sequence, &notes); err != nil {
			return nil, fmt.Errorf("scan matched transaction: %w", err)
		}
		m.Notes, err = decodeNotes(notes)
		if err != nil {
			return nil, fmt.Errorf("decode notes for tx %s: %w", m.Hash, err)
		}
		matched = append(matched, m)
	}
	return matched, rows.Err()
}

// classifyStoreErr folds retryable driver failures into ErrStoreUnavailable
// so the scheduler's commit backoff can key off one sentinel.
func classifyStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %v: %w", op, err, scanerr.ErrStoreUnavailable)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %v: %w", op, err, scanerr.ErrStoreUnavailable)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator
		// intervention, system error: all worth retrying
		case "08", "53", "57", "58":
			return fmt.Errorf("%s: %v: %w", op, err, scanerr.ErrStoreUnavailable)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
