package store

import (
	"context"
	"database/sql"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// AccountRepository is the durable account registry. The scheduler is the
// single writer of head_sequence; CommitProgress is the only mutation of
// scan progress and is atomic (head + matched transactions in one tx).
type AccountRepository interface {
	Get(ctx context.Context, address string) (*model.Account, error)
	List(ctx context.Context) ([]model.Account, error)
	Upsert(ctx context.Context, account *model.Account) error
	// CommitProgress advances the account head from expectedHead to newHead
	// and records matched transactions, deduplicated by (address, tx hash).
	// It reports scanerr.ErrConflict when the stored head is not
	// expectedHead, and scanerr.ErrStoreUnavailable for retryable failures.
	CommitProgress(ctx context.Context, address string, expectedHead, newHead int64, newHeadHash string, matched []model.MatchedTransaction) error
	MatchedTransactions(ctx context.Context, address string) ([]model.MatchedTransaction, error)
}

// BlockReader is read-only access to locally cached chain blocks. The
// ingestion component (out of scope here) is the writer.
type BlockReader interface {
	// GetBlocks returns blocks for [start, end] in sequence order. It
	// reports scanerr.ErrNotYetIngested when end exceeds the ingested head.
	GetBlocks(ctx context.Context, start, end int64) ([]model.Block, error)
	// HeadSequence returns the highest locally ingested sequence.
	HeadSequence(ctx context.Context) (int64, error)
}
