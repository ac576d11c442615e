package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// SelectEventsByRanges returns the stored events of system inside any of the
// given per-process ranges. Moderation does not apply to sync.
func (r *EventRepo) SelectEventsByRanges(
	ctx context.Context, system identity.PublicKey, ranges []model.ProcessRanges,
) ([]model.SignedEvent, error) {
	var (
		procs       [][]byte
		lows, highs []int64
	)
	for _, pr := range ranges {
		for _, rg := range pr.Ranges {
			procs = append(procs, pr.Process.Bytes())
			lows = append(lows, clampClock(rg.Low))
			highs = append(highs, clampClock(rg.High))
		}
	}
	if len(procs) == 0 {
		return nil, nil
	}
	const q = `
SELECT e.raw_event, e.signature
FROM events e
WHERE e.system_key_type=$1 AND e.system_key=$2
  AND EXISTS (
    SELECT 1 FROM unnest($3::bytea[], $4::bigint[], $5::bigint[]) AS r(process, low, high)
    WHERE e.process = r.process AND e.logical_clock BETWEEN r.low AND r.high
  )
ORDER BY e.process, e.logical_clock`
	return r.db.queryEvents(ctx, q, int64(system.KeyType), system.Key, procs, lows, highs)
}

// rangesQuery groups consecutive clocks into islands. Tombstoned clocks count
// as known so that clients do not request deleted events again.
func rangesQuery(oneProcess bool) string {
	filter := ""
	if oneProcess {
		filter = " AND process=$3"
	}
	return fmt.Sprintf(`
WITH clocks AS (
  SELECT process, logical_clock FROM events WHERE system_key_type=$1 AND system_key=$2%[1]s
  UNION
  SELECT process, logical_clock FROM deletions WHERE system_key_type=$1 AND system_key=$2%[1]s
), islands AS (
  SELECT process, logical_clock,
         logical_clock - ROW_NUMBER() OVER (PARTITION BY process ORDER BY logical_clock) AS grp
  FROM clocks
)
SELECT process, MIN(logical_clock) AS low, MAX(logical_clock) AS high
FROM islands
GROUP BY process, grp
ORDER BY process, low`, filter)
}

// KnownRanges returns the contiguous stored clock intervals per process.
func (r *EventRepo) KnownRanges(ctx context.Context, system identity.PublicKey) ([]model.ProcessRanges, error) {
	rows, err := r.db.Pool.Query(ctx, rangesQuery(false), int64(system.KeyType), system.Key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProcessRanges
	for rows.Next() {
		var (
			proc      []byte
			low, high int64
		)
		if err := rows.Scan(&proc, &low, &high); err != nil {
			return nil, err
		}
		p, err := model.ProcessFromBytes(proc)
		if err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Process != p {
			out = append(out, model.ProcessRanges{Process: p})
		}
		last := &out[len(out)-1]
		last.Ranges = append(last.Ranges, model.Range{Low: uint64(low), High: uint64(high)})
	}
	return out, rows.Err()
}

// RangesForWriter is KnownRanges scoped to one process.
func (r *EventRepo) RangesForWriter(ctx context.Context, system identity.PublicKey, process model.Process) ([]model.Range, error) {
	rows, err := r.db.Pool.Query(ctx, rangesQuery(true), int64(system.KeyType), system.Key, process.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Range
	for rows.Next() {
		var (
			proc      []byte
			low, high int64
		)
		if err := rows.Scan(&proc, &low, &high); err != nil {
			return nil, err
		}
		out = append(out, model.Range{Low: uint64(low), High: uint64(high)})
	}
	return out, rows.Err()
}

// ProcessHead returns the highest-clock event of one process, or nothing
// when that event is hidden by p.
func (r *EventRepo) ProcessHead(
	ctx context.Context, system identity.PublicKey, process model.Process, p moderation.Policy,
) ([]model.SignedEvent, error) {
	var a argList
	q := fmt.Sprintf(`
SELECT raw_event, signature FROM (
  SELECT raw_event, signature, moderation_tags
  FROM events
  WHERE system_key_type=%s AND system_key=%s AND process=%s
  ORDER BY logical_clock DESC
  LIMIT 1
) head
WHERE %s`, a.add(int64(system.KeyType)), a.add(system.Key), a.add(process.Bytes()),
		a.moderation(p, "head.moderation_tags"))
	return r.db.queryEvents(ctx, q, a.vals...)
}

// WriterHeadsForIdentity discovers the processes of system from its
// SYSTEM_PROCESSES events and returns the head of each one.
func (r *EventRepo) WriterHeadsForIdentity(
	ctx context.Context, system identity.PublicKey, p moderation.Policy,
) ([]model.SignedEvent, error) {
	const chain = `
SELECT DISTINCT ON (process) raw_event, signature
FROM events
WHERE system_key_type=$1 AND system_key=$2 AND content_type=$3
ORDER BY process, logical_clock DESC`
	announcements, err := r.db.queryEvents(ctx, chain, int64(system.KeyType), system.Key, int64(model.ContentTypeSystemProcesses))
	if err != nil {
		return nil, err
	}

	seen := map[model.Process]bool{}
	var procs [][]byte
	addProc := func(pr model.Process) {
		if !seen[pr] {
			seen[pr] = true
			procs = append(procs, pr.Bytes())
		}
	}
	for _, a := range announcements {
		addProc(a.Event.Process)
		listed, err := protocol.DecodeSystemProcesses(a.Event.Content)
		if err != nil {
			continue
		}
		for _, pr := range listed {
			addProc(pr)
		}
	}

	var a argList
	keyType, key := a.add(int64(system.KeyType)), a.add(system.Key)
	procFilter := ""
	if len(procs) > 0 {
		procFilter = " AND process = ANY(" + a.add(procs) + "::bytea[])"
	}
	q := fmt.Sprintf(`
SELECT raw_event, signature FROM (
  SELECT DISTINCT ON (process) raw_event, signature, moderation_tags
  FROM events
  WHERE system_key_type=%s AND system_key=%s%s
  ORDER BY process, logical_clock DESC
) heads
WHERE %s`, keyType, key, procFilter, a.moderation(p, "heads.moderation_tags"))
	return r.db.queryEvents(ctx, q, a.vals...)
}

// SelectLatestByContentType returns, for each requested content type, the
// greatest-clock event of every process. A hidden latest event hides the pair.
func (r *EventRepo) SelectLatestByContentType(
	ctx context.Context, system identity.PublicKey, contentTypes []uint64, p moderation.Policy,
) ([]model.SignedEvent, error) {
	if len(contentTypes) == 0 {
		return nil, nil
	}
	types := make([]int64, 0, len(contentTypes))
	for _, ct := range contentTypes {
		types = append(types, clampClock(ct))
	}
	var a argList
	keyType, key, ts := a.add(int64(system.KeyType)), a.add(system.Key), a.add(types)
	q := fmt.Sprintf(`
SELECT raw_event, signature FROM (
  SELECT DISTINCT ON (content_type, process) raw_event, signature, moderation_tags
  FROM events
  WHERE system_key_type=%s AND system_key=%s AND content_type = ANY(%s::bigint[])
  ORDER BY content_type, process, logical_clock DESC
) latest
WHERE %s`, keyType, key, ts, a.moderation(p, "latest.moderation_tags"))
	return r.db.queryEvents(ctx, q, a.vals...)
}
