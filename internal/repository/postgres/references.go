package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/repository"
)

// subjectMatch renders an EXISTS test for events e referencing subject,
// optionally only through links of fromType. An event that references the
// same subject twice still matches once.
func subjectMatch(a *argList, subject model.Reference, fromType *uint64) (string, error) {
	var from string
	switch s := subject.(type) {
	case model.PointerReference:
		clock := clampClock(s.Pointer.LogicalClock)
		from = fmt.Sprintf(`event_links r WHERE r.event_id = e.id
  AND r.subject_system_key_type=%s AND r.subject_system_key=%s
  AND r.subject_process=%s AND r.subject_logical_clock=%s`,
			a.add(int64(s.Pointer.System.KeyType)), a.add(s.Pointer.System.Key),
			a.add(s.Pointer.Process.Bytes()), a.add(clock))
	case model.BytesReference:
		from = fmt.Sprintf(`event_references_bytes r WHERE r.event_id = e.id AND r.subject_bytes=%s`,
			a.add(nonNil(s.Bytes)))
	case nil:
		return "", fmt.Errorf("missing subject: %w", errs.ErrMalformed)
	default:
		return "", fmt.Errorf("reference type %d cannot be queried: %w", subject.ReferenceType(), errs.ErrMalformed)
	}
	kind := "TRUE"
	if fromType != nil {
		kind = "r.content_type=" + a.add(clampClock(*fromType))
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AND %s)", from, kind), nil
}

// CountReferences counts events referencing subject.
func (r *EventRepo) CountReferences(ctx context.Context, subject model.Reference, fromType *uint64) (uint64, error) {
	var a argList
	match, err := subjectMatch(&a, subject, fromType)
	if err != nil {
		return 0, err
	}
	q := `
SELECT COUNT(*)
FROM events e
WHERE ` + match
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, a.vals...).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// CountLWWElementReferences counts referencing systems whose most recent
// referencing LWW value equals value.
func (r *EventRepo) CountLWWElementReferences(
	ctx context.Context, subject model.Reference, value []byte, fromType *uint64,
) (uint64, error) {
	var a argList
	match, err := subjectMatch(&a, subject, fromType)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`
SELECT COUNT(*) FROM (
  SELECT DISTINCT ON (e.system_key_type, e.system_key) l.value
  FROM events e
  JOIN lww_elements l ON l.event_id = e.id
  WHERE %s
  ORDER BY e.system_key_type, e.system_key, l.unix_milliseconds DESC, e.logical_clock DESC
) latest
WHERE latest.value=%s`, match, a.add(nonNil(value)))
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, a.vals...).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// scoreExpr ranks an event e by the likes minus dislikes of the latest
// opinion of each system referencing it.
func scoreExpr(a *argList) string {
	return fmt.Sprintf(`COALESCE((
  SELECT SUM(CASE WHEN o.value=%[1]s THEN 1 WHEN o.value=%[2]s THEN -1 ELSE 0 END)
  FROM (
    SELECT DISTINCT ON (oe.system_key_type, oe.system_key) ol.value
    FROM event_links ok
    JOIN events oe ON oe.id = ok.event_id
    JOIN lww_elements ol ON ol.event_id = oe.id
    WHERE ok.subject_system_key_type = e.system_key_type AND ok.subject_system_key = e.system_key
      AND ok.subject_process = e.process AND ok.subject_logical_clock = e.logical_clock
      AND ok.content_type = %[3]s
    ORDER BY oe.system_key_type, oe.system_key, ol.unix_milliseconds DESC, oe.logical_clock DESC
  ) o
), 0)`, a.add(model.OpinionLike), a.add(model.OpinionDislike), a.add(int64(model.ContentTypeOpinion)))
}

// QueryReferences pages through events referencing q.Subject, best ranked first.
func (r *EventRepo) QueryReferences(ctx context.Context, q repository.ReferenceQuery) (repository.ReferencePage, error) {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = repository.DefaultPageSize
	}
	var a argList
	match, err := subjectMatch(&a, q.Subject, q.FromType)
	if err != nil {
		return repository.ReferencePage{}, err
	}
	mod := a.moderation(q.Policy, "e.moderation_tags")
	score := scoreExpr(&a)
	sql := fmt.Sprintf(`
SELECT e.raw_event, e.signature
FROM events e
WHERE %s AND %s
ORDER BY %s DESC, e.id DESC
LIMIT %s OFFSET %s`, match, mod, score, a.add(int64(pageSize)), a.add(clampClock(q.Offset)))

	events, err := r.db.queryEvents(ctx, sql, a.vals...)
	if err != nil {
		return repository.ReferencePage{}, err
	}

	page := repository.ReferencePage{Events: events}
	if len(q.CountLWW) > 0 || len(q.CountRefs) > 0 {
		page.Counts = make([][]uint64, len(events))
		for i, se := range events {
			if page.Counts[i], err = r.itemCounts(ctx, se, q); err != nil {
				return repository.ReferencePage{}, err
			}
		}
	}
	if len(events) == pageSize {
		next := q.Offset + uint64(len(events))
		page.NextOffset = &next
	}
	return page, nil
}

func (r *EventRepo) itemCounts(ctx context.Context, se model.SignedEvent, q repository.ReferenceQuery) ([]uint64, error) {
	subject := model.PointerReference{Pointer: se.Pointer()}
	out := make([]uint64, 0, len(q.CountLWW)+len(q.CountRefs))
	for _, c := range q.CountLWW {
		n, err := r.CountLWWElementReferences(ctx, subject, c.Value, c.FromType)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	for _, c := range q.CountRefs {
		n, err := r.CountReferences(ctx, subject, c.FromType)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
