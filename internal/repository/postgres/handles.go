package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
)

// HandleRepo implements repository.HandleRepository.
type HandleRepo struct{ db *DB }

// NewHandleRepo constructs a handle repository.
func NewHandleRepo(db *DB) *HandleRepo { return &HandleRepo{db: db} }

// ClaimHandle binds handle to system. Each system holds at most one handle.
func (r *HandleRepo) ClaimHandle(ctx context.Context, handle string, system identity.PublicKey) error {
	const q = `
INSERT INTO identity_handles (handle, system_key_type, system_key, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (system_key_type, system_key)
DO UPDATE SET handle=EXCLUDED.handle, updated_at=now()`
	if _, err := r.db.Pool.Exec(ctx, q, handle, int64(system.KeyType), system.Key); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("handle %q: %w", handle, errs.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// ResolveHandle returns the system owning handle. ok is false when nobody
// has claimed it.
func (r *HandleRepo) ResolveHandle(ctx context.Context, handle string) (system identity.PublicKey, ok bool, err error) {
	const q = `SELECT system_key_type, system_key FROM identity_handles WHERE handle=$1`
	var (
		keyType int64
		key     []byte
	)
	if err := r.db.Pool.QueryRow(ctx, q, handle).Scan(&keyType, &key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.PublicKey{}, false, nil
		}
		return identity.PublicKey{}, false, err
	}
	return identity.PublicKey{KeyType: uint64(keyType), Key: key}, true, nil
}
