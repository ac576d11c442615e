package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// EventRepo implements repository.EventRepository using PostgreSQL.
type EventRepo struct{ db *DB }

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

type claimFieldJSON struct {
	Key   uint64 `json:"key"`
	Value string `json:"value"`
}

func claimFieldsJSON(fields []model.ClaimField) ([]byte, error) {
	out := make([]claimFieldJSON, 0, len(fields))
	for _, f := range fields {
		out = append(out, claimFieldJSON{Key: f.Key, Value: f.Value})
	}
	return json.Marshal(out)
}

type linkRow struct {
	keyType int64
	key     []byte
	process []byte
	clock   int64
}

type indexRow struct {
	indexType int64
	clock     int64
}

// derived holds everything written next to an event row. It is computed
// before the transaction opens so malformed content never reaches storage.
type derived struct {
	keyType    int64
	clock      int64
	ctype      int64
	unixMillis *int64
	links      []linkRow
	bytesRefs  [][]byte
	indices    []indexRow
	claimType  int64
	claim      []byte
	lwwValue   []byte
	lwwMillis  int64
	hasLWW     bool
	deletion   *model.Delete
	delClock   int64
}

func deriveRows(se model.SignedEvent) (*derived, error) {
	ev := se.Event
	d := &derived{keyType: int64(ev.System.KeyType), ctype: clampClock(ev.ContentType)}
	var err error
	if d.clock, err = sqlClock(ev.LogicalClock); err != nil {
		return nil, err
	}
	d.unixMillis = optInt64(ev.UnixMilliseconds)

	for _, ref := range ev.References {
		switch r := ref.(type) {
		case model.PointerReference:
			c, err := sqlClock(r.Pointer.LogicalClock)
			if err != nil {
				return nil, err
			}
			d.links = append(d.links, linkRow{
				keyType: int64(r.Pointer.System.KeyType),
				key:     r.Pointer.System.Key,
				process: r.Pointer.Process.Bytes(),
				clock:   c,
			})
		case model.BytesReference:
			d.bytesRefs = append(d.bytesRefs, nonNil(r.Bytes))
		case model.OtherReference:
			// stored only in the raw event
		}
	}
	for _, ix := range ev.Indices {
		c, err := sqlClock(ix.LogicalClock)
		if err != nil {
			return nil, err
		}
		d.indices = append(d.indices, indexRow{indexType: clampClock(ix.IndexType), clock: c})
	}
	if ev.LWWElement != nil {
		d.hasLWW = true
		d.lwwValue = nonNil(ev.LWWElement.Value)
		d.lwwMillis = clampClock(ev.LWWElement.UnixMilliseconds)
	}

	content, err := protocol.DecodeContent(ev.ContentType, ev.Content)
	if err != nil {
		return nil, err
	}
	switch c := content.(type) {
	case model.ClaimContent:
		d.claimType = clampClock(c.Claim.ClaimType)
		if d.claim, err = claimFieldsJSON(c.Claim.Fields); err != nil {
			return nil, err
		}
	case model.DeleteContent:
		del := c.Delete
		if del.ContentType == model.ContentTypeDelete {
			return nil, fmt.Errorf("delete of a delete event: %w", errs.ErrMalformed)
		}
		if del.Process == ev.Process && del.LogicalClock == ev.LogicalClock {
			return nil, fmt.Errorf("delete targets itself: %w", errs.ErrMalformed)
		}
		if d.delClock, err = sqlClock(del.LogicalClock); err != nil {
			return nil, err
		}
		d.deletion = &del
	}
	return d, nil
}

// IngestEvent stores a verified event. Steps run under a transaction-scoped
// advisory lock on the event's system so that dedup, tombstone checks and
// deletes of one system never interleave.
func (r *EventRepo) IngestEvent(ctx context.Context, se model.SignedEvent) (inserted bool, err error) {
	if se.Event == nil {
		return false, fmt.Errorf("ingest: %w", errs.ErrMalformed)
	}
	d, err := deriveRows(se)
	if err != nil {
		return false, err
	}
	ev := se.Event
	key := ev.System.Key
	proc := ev.Process.Bytes()

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, systemLockKey(ev.System)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		const exists = `
SELECT
  EXISTS (SELECT 1 FROM events WHERE system_key_type=$1 AND system_key=$2 AND process=$3 AND logical_clock=$4),
  EXISTS (SELECT 1 FROM deletions WHERE system_key_type=$1 AND system_key=$2 AND process=$3 AND logical_clock=$4)`
		var stored, tombstoned bool
		if err := tx.QueryRow(ctx, exists, d.keyType, key, proc, d.clock).Scan(&stored, &tombstoned); err != nil {
			return err
		}
		if stored || tombstoned {
			return nil
		}

		if d.deletion != nil {
			if err := applyDeletion(ctx, tx, d, key); err != nil {
				return err
			}
		}

		const ins = `
INSERT INTO events (system_key_type, system_key, process, logical_clock, content_type, raw_event, signature, unix_milliseconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`
		var id int64
		if err := tx.QueryRow(ctx, ins, d.keyType, key, proc, d.clock, d.ctype, se.Raw, se.Signature, d.unixMillis).Scan(&id); err != nil {
			return err
		}
		if err := insertDerived(ctx, tx, id, d); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func applyDeletion(ctx context.Context, tx pgx.Tx, d *derived, key []byte) error {
	del := d.deletion
	target := del.Process.Bytes()

	const sel = `SELECT content_type FROM events WHERE system_key_type=$1 AND system_key=$2 AND process=$3 AND logical_clock=$4 FOR UPDATE`
	var targetType int64
	err := tx.QueryRow(ctx, sel, d.keyType, key, target, d.delClock).Scan(&targetType)
	switch {
	case err == nil:
		if uint64(targetType) == model.ContentTypeDelete {
			return fmt.Errorf("delete of a delete event: %w", errs.ErrMalformed)
		}
		const rm = `DELETE FROM events WHERE system_key_type=$1 AND system_key=$2 AND process=$3 AND logical_clock=$4`
		if _, err := tx.Exec(ctx, rm, d.keyType, key, target, d.delClock); err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return err
	}

	const tomb = `
INSERT INTO deletions (system_key_type, system_key, process, logical_clock, content_type, unix_milliseconds)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT DO NOTHING`
	_, err = tx.Exec(ctx, tomb, d.keyType, key, target, d.delClock, clampClock(del.ContentType), optInt64(del.UnixMilliseconds))
	return err
}

func insertDerived(ctx context.Context, tx pgx.Tx, id int64, d *derived) error {
	const link = `
INSERT INTO event_links (event_id, subject_system_key_type, subject_system_key, subject_process, subject_logical_clock, content_type)
VALUES ($1,$2,$3,$4,$5,$6)`
	for _, l := range d.links {
		if _, err := tx.Exec(ctx, link, id, l.keyType, l.key, l.process, l.clock, d.ctype); err != nil {
			return err
		}
	}
	const ref = `INSERT INTO event_references_bytes (event_id, subject_bytes, content_type) VALUES ($1,$2,$3)`
	for _, b := range d.bytesRefs {
		if _, err := tx.Exec(ctx, ref, id, b, d.ctype); err != nil {
			return err
		}
	}
	const idx = `INSERT INTO event_indices (event_id, index_type, logical_clock) VALUES ($1,$2,$3)`
	for _, ix := range d.indices {
		if _, err := tx.Exec(ctx, idx, id, ix.indexType, ix.clock); err != nil {
			return err
		}
	}
	if d.claim != nil {
		const claim = `INSERT INTO claims (event_id, claim_type, fields) VALUES ($1,$2,$3)`
		if _, err := tx.Exec(ctx, claim, id, d.claimType, d.claim); err != nil {
			return err
		}
	}
	if d.hasLWW {
		const lww = `INSERT INTO lww_elements (event_id, value, unix_milliseconds) VALUES ($1,$2,$3)`
		if _, err := tx.Exec(ctx, lww, id, d.lwwValue, d.lwwMillis); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
