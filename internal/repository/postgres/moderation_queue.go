package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// Queue timing defaults.
const (
	DefaultModerationLease       = 5 * time.Minute
	DefaultModerationMaxAttempts = 8
	defaultModerationBackoff     = 30 * time.Second
	maxModerationBackoff         = time.Hour
)

// ModerationQueue hands unprocessed events to the moderation worker.
//
// Rows are claimed with a lease in one statement, classified with no row
// locks held, and written back one by one. A failed row is retried after
// an exponential backoff and dropped from the queue after maxAttempts, so
// it stays unprocessed without blocking newer events.
type ModerationQueue struct {
	db          *DB
	lease       time.Duration
	maxAttempts int
}

// NewModerationQueue constructs a queue over the events table.
func NewModerationQueue(db *DB) *ModerationQueue {
	return &ModerationQueue{db: db, lease: DefaultModerationLease, maxAttempts: DefaultModerationMaxAttempts}
}

type pending struct {
	id       int64
	raw      []byte
	attempts int32
}

// moderationBackoff is the delay before retrying a row that has failed
// attempts times.
func moderationBackoff(attempts int32) time.Duration {
	d := defaultModerationBackoff
	for i := int32(1); i < attempts; i++ {
		d *= 2
		if d >= maxModerationBackoff {
			return maxModerationBackoff
		}
	}
	return d
}

// claim leases up to limit due rows to this worker.
func (q *ModerationQueue) claim(ctx context.Context, limit int) ([]pending, error) {
	const sql = `
UPDATE events
SET moderation_attempts = moderation_attempts + 1,
    moderation_next_attempt = now() + $2 * interval '1 second'
WHERE id IN (
    SELECT id FROM events
    WHERE moderation_tags IS NULL
      AND moderation_next_attempt <= now()
      AND moderation_attempts < $3
    ORDER BY moderation_next_attempt, id
    LIMIT $1
    FOR UPDATE SKIP LOCKED)
RETURNING id, raw_event, moderation_attempts`
	rows, err := q.db.Pool.Query(ctx, sql, int64(limit), q.lease.Seconds(), int64(q.maxAttempts))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.raw, &p.attempts); err != nil {
			return nil, err
		}
		batch = append(batch, p)
	}
	return batch, rows.Err()
}

// ProcessPending claims up to limit unprocessed events and stores the tags
// fn returns for each. Rows fn fails on are rescheduled.
func (q *ModerationQueue) ProcessPending(
	ctx context.Context, limit int,
	fn func(ctx context.Context, s moderation.Subject) (moderation.Tags, error),
) (n int, err error) {
	batch, err := q.claim(ctx, limit)
	if err != nil {
		return 0, err
	}

	const store = `UPDATE events SET moderation_tags=$2 WHERE id=$1`
	const retry = `UPDATE events SET moderation_next_attempt = now() + $2 * interval '1 second' WHERE id=$1 AND moderation_tags IS NULL`
	for _, p := range batch {
		tags, ferr := fn(ctx, subjectFor(p))
		if ferr != nil {
			if _, err := q.db.Pool.Exec(ctx, retry, p.id, moderationBackoff(p.attempts).Seconds()); err != nil {
				return n, err
			}
			continue
		}
		if tags == nil {
			tags = moderation.Tags{}
		}
		body, err := json.Marshal(tags)
		if err != nil {
			return n, err
		}
		if _, err := q.db.Pool.Exec(ctx, store, p.id, body); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func subjectFor(p pending) moderation.Subject {
	s := moderation.Subject{EventID: p.id, Raw: p.raw}
	ev, err := protocol.ParseEvent(p.raw)
	if err != nil {
		return s
	}
	s.ContentType = ev.ContentType
	if ev.ContentType == model.ContentTypePost {
		s.Text, _ = protocol.DecodePost(ev.Content)
	}
	if ev.LWWElement != nil && (ev.ContentType == model.ContentTypeUsername || ev.ContentType == model.ContentTypeDescription) {
		s.Text = string(ev.LWWElement.Value)
	}
	return s
}
