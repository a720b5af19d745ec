package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acadledger/acadledger/internal/platform/db"
)

// Schema creates the ledger state table.
const Schema = `CREATE TABLE IF NOT EXISTS ledger_state (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
)`

const serializationFailure = "40001"

// PGStore persists ledger state in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store on top of an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate ensures the state table exists.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("chain: migrate: %w", err)
	}
	return nil
}

// View runs fn inside a read-only repeatable-read transaction.
func (s *PGStore) View(ctx context.Context, fn func(Reader) error) error {
	err := db.WithReadTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
	return classifyPG(err)
}

// Update runs fn inside a repeatable-read transaction.
func (s *PGStore) Update(ctx context.Context, fn func(Writer) error) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
	return classifyPG(err)
}

func classifyPG(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailure {
		return fmt.Errorf("%w: %s", ErrStateConflict, pgErr.Message)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (p pgTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.tx.QueryRow(ctx, `SELECT value FROM ledger_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (p pgTx) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := p.tx.Query(ctx, `SELECT key, value FROM ledger_state
		WHERE left(key, length($1)) = $1
		ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p pgTx) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.tx.Exec(ctx, `INSERT INTO ledger_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (p pgTx) Delete(ctx context.Context, key string) error {
	if _, err := p.tx.Exec(ctx, `DELETE FROM ledger_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
