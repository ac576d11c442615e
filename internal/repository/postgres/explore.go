package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/polycentric-server/internal/cursor"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/repository"
)

// Explore lists the newest posts older than after, by id descending.
func (r *EventRepo) Explore(
	ctx context.Context, after cursor.ExploreCursor, limit int, p moderation.Policy,
) (repository.ExplorePage, error) {
	if limit <= 0 {
		limit = repository.DefaultPageSize
	}
	var a argList
	q := fmt.Sprintf(`
SELECT e.id, e.raw_event, e.signature
FROM events e
WHERE e.content_type=%s AND e.id < %s AND %s
ORDER BY e.id DESC
LIMIT %s`,
		a.add(int64(model.ContentTypePost)), a.add(after.ID),
		a.moderation(p, "e.moderation_tags"), a.add(int64(limit)))

	rows, err := r.db.Pool.Query(ctx, q, a.vals...)
	if err != nil {
		return repository.ExplorePage{}, err
	}
	defer rows.Close()

	var (
		page   repository.ExplorePage
		lastID int64
	)
	for rows.Next() {
		var raw, sig []byte
		if err := rows.Scan(&lastID, &raw, &sig); err != nil {
			return repository.ExplorePage{}, err
		}
		se, err := protocol.LoadStoredEvent(raw, sig)
		if err != nil {
			return repository.ExplorePage{}, fmt.Errorf("stored event: %w", err)
		}
		page.Events = append(page.Events, se)
	}
	if err := rows.Err(); err != nil {
		return repository.ExplorePage{}, err
	}
	if len(page.Events) == limit {
		page.Next = &cursor.ExploreCursor{ID: lastID}
	}
	return page, nil
}
