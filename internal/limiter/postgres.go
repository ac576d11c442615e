package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a fixed failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter. Non-positive settings fall
// back to 10 failures per minute and a 5 minute block.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if window <= 0 {
		window = time.Minute
	}
	if maxFails <= 0 {
		maxFails = 10
	}
	if blockFor <= 0 {
		blockFor = 5 * time.Minute
	}
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// HashPeer returns a stable hash for a peer address to avoid storing it raw.
func HashPeer(addr string) string {
	h := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(h[:])
}

// Allow reports whether peer may submit and a retry-after duration.
func (l *PG) Allow(ctx context.Context, peer string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM ingest_limiter WHERE peer_hash=$1`
	var blockedUntil *time.Time
	err := l.pool.QueryRow(ctx, q, HashPeer(peer)).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil != nil && blockedUntil.After(l.now()) {
			return false, blockedUntil.Sub(l.now()), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets the counters of peer.
func (l *PG) Success(ctx context.Context, peer string) error {
	const q = `
INSERT INTO ingest_limiter (peer_hash, fail_count, window_start, blocked_until, updated_at)
VALUES ($1,0,now(),NULL,now())
ON CONFLICT (peer_hash)
DO UPDATE SET fail_count=0, window_start=now(), blocked_until=NULL, updated_at=now()`
	_, err := l.pool.Exec(ctx, q, HashPeer(peer))
	return err
}

// Failure records a malformed submission. The counter restarts once the
// window since the first failure has elapsed.
func (l *PG) Failure(ctx context.Context, peer string) (bool, time.Duration, error) {
	hash := HashPeer(peer)

	const q = `
INSERT INTO ingest_limiter (peer_hash, fail_count, window_start, updated_at)
VALUES ($1,1,now(),now())
ON CONFLICT (peer_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - ingest_limiter.window_start > $2::interval THEN 1 ELSE ingest_limiter.fail_count + 1 END,
  window_start = CASE WHEN now() - ingest_limiter.window_start > $2::interval THEN now() ELSE ingest_limiter.window_start END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, hash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE ingest_limiter SET blocked_until=$2 WHERE peer_hash=$1`
	if _, err := l.pool.Exec(ctx, upd, hash, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
