package noncestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Schema creates the used_nonces table. The primary key on nonce is what
// makes TryClaim atomic across processes sharing the database.
const Schema = `
CREATE TABLE IF NOT EXISTS used_nonces (
    nonce      TEXT PRIMARY KEY,
    payer      TEXT NOT NULL,
    claimed_at INTEGER NOT NULL,
    expiry     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_used_nonces_expiry ON used_nonces (expiry);
`

// SQLStore is a durable Store backed by database/sql. Claims survive
// restarts, which is what lets a facilitator refuse replays of
// authorizations it settled before going down.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle. The caller owns the handle's
// lifecycle; Migrate should be run once before first use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies the nonce table schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate nonce store: %w", err)
	}
	return nil
}

// TryClaim inserts the nonce row. A primary-key violation means the nonce
// was claimed before; any other error is surfaced as-is so callers refuse
// to settle rather than risk a double spend.
func (s *SQLStore) TryClaim(ctx context.Context, nonce, payer string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_nonces (nonce, payer, claimed_at, expiry) VALUES (?, ?, ?, ?)`,
		nonce, payer, time.Now().Unix(), expiry.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNonceAlreadyUsed
		}
		return fmt.Errorf("failed to claim nonce: %w", err)
	}
	return nil
}

// Used reports whether the nonce row exists.
func (s *SQLStore) Used(ctx context.Context, nonce string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM used_nonces WHERE nonce = ?`, nonce).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return true, nil
}

// PurgeExpired deletes rows whose expiry is before now.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_nonces WHERE expiry < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// isUniqueViolation detects a primary-key or unique-constraint failure
// without binding to a single driver's error type.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)
