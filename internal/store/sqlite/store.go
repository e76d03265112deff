// Package sqlite persists the durable bits of the engine: per-credential
// nonce counters and the closed-position archive.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS nonces (
	credential TEXT PRIMARY KEY,
	value      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS closed_positions (
	id           TEXT PRIMARY KEY,
	account      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	entry_price  TEXT NOT NULL,
	exit_price   TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	exit_reason  TEXT NOT NULL,
	opened_at    INTEGER NOT NULL,
	closed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_closed_positions_account ON closed_positions(account, closed_at);
`

// Store wraps the sqlite database
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Store{db: db}, nil
}

// ReserveNonce atomically reserves the next nonce for a credential and
// persists it before returning. The returned value is strictly greater than
// every value previously returned for the same credential, across process
// restarts. The counter is floored at the current unix-millisecond clock so
// a venue that expects time-shaped nonces keeps accepting us after a long
// downtime.
func (s *Store) ReserveNonce(ctx context.Context, credential string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM nonces WHERE credential = ?`, credential).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read nonce: %w", err)
	}

	next := current + 1
	if now := time.Now().UnixMilli(); next < now {
		next = now
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO nonces (credential, value) VALUES (?, ?)
		 ON CONFLICT(credential) DO UPDATE SET value = excluded.value`,
		credential, next)
	if err != nil {
		return 0, fmt.Errorf("failed to persist nonce: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit nonce: %w", err)
	}

	return uint64(next), nil
}

// ArchivedPosition is one fully closed position
type ArchivedPosition struct {
	ID          string
	Account     string
	Symbol      string
	Side        string
	EntryPrice  string
	ExitPrice   string
	Quantity    string
	RealizedPnL string
	ExitReason  string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// ArchivePosition records a closed position
func (s *Store) ArchivePosition(ctx context.Context, p ArchivedPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO closed_positions
		 (id, account, symbol, side, entry_price, exit_price, quantity, realized_pnl, exit_reason, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Account, p.Symbol, p.Side, p.EntryPrice, p.ExitPrice,
		p.Quantity, p.RealizedPnL, p.ExitReason,
		p.OpenedAt.UnixNano(), p.ClosedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to archive position: %w", err)
	}
	return nil
}

// RecentClosed returns the most recent closed positions for an account
func (s *Store) RecentClosed(ctx context.Context, account string, limit int) ([]ArchivedPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account, symbol, side, entry_price, exit_price, quantity, realized_pnl, exit_reason, opened_at, closed_at
		 FROM closed_positions WHERE account = ? ORDER BY closed_at DESC LIMIT ?`,
		account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []ArchivedPosition
	for rows.Next() {
		var p ArchivedPosition
		var openedAt, closedAt int64
		if err := rows.Scan(&p.ID, &p.Account, &p.Symbol, &p.Side, &p.EntryPrice,
			&p.ExitPrice, &p.Quantity, &p.RealizedPnL, &p.ExitReason,
			&openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		p.OpenedAt = time.Unix(0, openedAt)
		p.ClosedAt = time.Unix(0, closedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
