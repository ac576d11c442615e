package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// claimVouchFrom joins claims to their events (ce), the pointer links
// targeting them and the vouch events (ve) that created those links.
const claimVouchFrom = `
FROM claims c
JOIN events ce ON ce.id = c.event_id
JOIN event_links l ON l.subject_system_key_type = ce.system_key_type AND l.subject_system_key = ce.system_key
  AND l.subject_process = ce.process AND l.subject_logical_clock = ce.logical_clock
JOIN events ve ON ve.id = l.event_id`

func scanClaimAndVouch(rows pgx.Rows) ([]model.ClaimAndVouch, error) {
	defer rows.Close()
	var out []model.ClaimAndVouch
	for rows.Next() {
		var cRaw, cSig, vRaw, vSig []byte
		if err := rows.Scan(&cRaw, &cSig, &vRaw, &vSig); err != nil {
			return nil, err
		}
		claim, err := protocol.LoadStoredEvent(cRaw, cSig)
		if err != nil {
			return nil, fmt.Errorf("stored claim: %w", err)
		}
		vouch, err := protocol.LoadStoredEvent(vRaw, vSig)
		if err != nil {
			return nil, fmt.Errorf("stored vouch: %w", err)
		}
		out = append(out, model.ClaimAndVouch{Claim: claim, Vouch: vouch})
	}
	return out, rows.Err()
}

func (r *EventRepo) queryClaims(
	ctx context.Context, claimType uint64, trustRoot identity.PublicKey,
	fieldClause func(a *argList) string, p moderation.Policy,
) ([]model.ClaimAndVouch, error) {
	var a argList
	q := fmt.Sprintf(`
SELECT ce.raw_event, ce.signature, ve.raw_event, ve.signature
%s
WHERE c.claim_type=%s AND l.content_type=%s
  AND ve.system_key_type=%s AND ve.system_key=%s
  AND %s
  AND %s
ORDER BY ce.id DESC, ve.id DESC`,
		claimVouchFrom,
		a.add(clampClock(claimType)), a.add(int64(model.ContentTypeVouch)),
		a.add(int64(trustRoot.KeyType)), a.add(trustRoot.Key),
		fieldClause(&a),
		a.moderation(p, "ce.moderation_tags"))
	rows, err := r.db.Pool.Query(ctx, q, a.vals...)
	if err != nil {
		return nil, err
	}
	return scanClaimAndVouch(rows)
}

// QueryClaimsMatchAnyField returns claims of claimType vouched for by
// trustRoot where some field value equals value.
func (r *EventRepo) QueryClaimsMatchAnyField(
	ctx context.Context, claimType uint64, trustRoot identity.PublicKey, value string, p moderation.Policy,
) ([]model.ClaimAndVouch, error) {
	return r.queryClaims(ctx, claimType, trustRoot, func(a *argList) string {
		return "EXISTS (SELECT 1 FROM jsonb_array_elements(c.fields) f WHERE f->>'value' = " + a.add(value) + ")"
	}, p)
}

// QueryClaimsMatchAllFields returns claims of claimType vouched for by
// trustRoot that contain every given field.
func (r *EventRepo) QueryClaimsMatchAllFields(
	ctx context.Context, claimType uint64, trustRoot identity.PublicKey, fields []model.ClaimField, p moderation.Policy,
) ([]model.ClaimAndVouch, error) {
	want, err := claimFieldsJSON(fields)
	if err != nil {
		return nil, err
	}
	return r.queryClaims(ctx, claimType, trustRoot, func(a *argList) string {
		return "c.fields @> " + a.add(want) + "::jsonb"
	}, p)
}

// QueryFindClaimAndVouch looks for a claim by claiming, matching claimType
// and all fields, that vouching has vouched for. Both the claim and the
// vouch must pass p.
func (r *EventRepo) QueryFindClaimAndVouch(
	ctx context.Context, vouching, claiming identity.PublicKey, claimType uint64, fields []model.ClaimField, p moderation.Policy,
) (*model.ClaimAndVouch, error) {
	want, err := claimFieldsJSON(fields)
	if err != nil {
		return nil, err
	}
	var a argList
	q := fmt.Sprintf(`
SELECT ce.raw_event, ce.signature, ve.raw_event, ve.signature
%s
WHERE c.claim_type=%s AND l.content_type=%s
  AND ve.system_key_type=%s AND ve.system_key=%s
  AND ce.system_key_type=%s AND ce.system_key=%s
  AND c.fields @> %s::jsonb
  AND %s
  AND %s
ORDER BY ce.id DESC, ve.id DESC
LIMIT 1`,
		claimVouchFrom,
		a.add(clampClock(claimType)), a.add(int64(model.ContentTypeVouch)),
		a.add(int64(vouching.KeyType)), a.add(vouching.Key),
		a.add(int64(claiming.KeyType)), a.add(claiming.Key),
		a.add(want),
		a.moderation(p, "ce.moderation_tags"),
		a.moderation(p, "ve.moderation_tags"))
	rows, err := r.db.Pool.Query(ctx, q, a.vals...)
	if err != nil {
		return nil, err
	}
	found, err := scanClaimAndVouch(rows)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}
