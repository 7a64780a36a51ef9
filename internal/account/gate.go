// Package account is the optional Postgres-backed account gate: a ban
// check on login plus a last-login audit trail. Room and actor state is
// never persisted here; a server without a database runs with a nil Gate.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Gate wraps a pgx connection pool for account checks.
type Gate struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a Gate.
func New(ctx context.Context, dsn string) (*Gate, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Gate{pool: pool}, nil
}

// Close closes the connection pool.
func (g *Gate) Close() {
	g.pool.Close()
}

// IsBanned reports whether the account is currently banned. Unknown
// accounts are not banned; the gate is a blocklist, not an allowlist.
func (g *Gate) IsBanned(ctx context.Context, accountID int64) (bool, error) {
	var bannedUntil *time.Time
	err := g.pool.QueryRow(ctx,
		`SELECT banned_until FROM accounts WHERE account_id = $1`, accountID,
	).Scan(&bannedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying account %d: %w", accountID, err)
	}
	return bannedUntil != nil && bannedUntil.After(time.Now()), nil
}

// RecordLogin upserts the last-login timestamp and address for the
// account. Failures are logged, never surfaced to the login path.
func (g *Gate) RecordLogin(ctx context.Context, accountID int64, remoteAddr string) {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO accounts (account_id, last_login, last_addr)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id)
		 DO UPDATE SET last_login = $2, last_addr = $3`,
		accountID, time.Now(), remoteAddr,
	)
	if err != nil {
		slog.Error("recording login", "account", accountID, "error", err)
	}
}

// Ban blocks the account until the given time. Used by admin tooling.
func (g *Gate) Ban(ctx context.Context, accountID int64, until time.Time) error {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO accounts (account_id, banned_until)
		 VALUES ($1, $2)
		 ON CONFLICT (account_id)
		 DO UPDATE SET banned_until = $2`,
		accountID, until,
	)
	if err != nil {
		return fmt.Errorf("banning account %d: %w", accountID, err)
	}
	return nil
}
