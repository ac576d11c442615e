// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/polycentric-server/internal/cursor"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
)

// DefaultPageSize bounds one page of a reference query.
const DefaultPageSize = 20

// CountLWW counts referencing events whose latest LWW value equals Value.
type CountLWW struct {
	Value    []byte
	FromType *uint64
}

// CountRefs counts referencing events.
type CountRefs struct {
	FromType *uint64
}

// ReferenceQuery selects events referencing Subject.
type ReferenceQuery struct {
	Subject  model.Reference
	FromType *uint64
	Offset   uint64
	PageSize int
	// Per-item counts, computed over references to each returned event.
	CountLWW  []CountLWW
	CountRefs []CountRefs
	Policy    moderation.Policy
}

// ReferencePage is one page of a reference query. NextOffset is nil once
// fewer than a full page was returned.
type ReferencePage struct {
	Events     []model.SignedEvent
	Counts     [][]uint64
	NextOffset *uint64
}

// ExplorePage is one page of the explore feed.
type ExplorePage struct {
	Events []model.SignedEvent
	Next   *cursor.ExploreCursor
}

// EventRepository stores events and answers the sync and query operations.
type EventRepository interface {
	// IngestEvent persists a verified event with its derived rows. It reports
	// false when the event was already stored or has been deleted.
	IngestEvent(ctx context.Context, se model.SignedEvent) (bool, error)

	SelectEventsByRanges(ctx context.Context, system identity.PublicKey, ranges []model.ProcessRanges) ([]model.SignedEvent, error)
	KnownRanges(ctx context.Context, system identity.PublicKey) ([]model.ProcessRanges, error)
	RangesForWriter(ctx context.Context, system identity.PublicKey, process model.Process) ([]model.Range, error)

	ProcessHead(ctx context.Context, system identity.PublicKey, process model.Process, p moderation.Policy) ([]model.SignedEvent, error)
	WriterHeadsForIdentity(ctx context.Context, system identity.PublicKey, p moderation.Policy) ([]model.SignedEvent, error)
	SelectLatestByContentType(ctx context.Context, system identity.PublicKey, contentTypes []uint64, p moderation.Policy) ([]model.SignedEvent, error)

	QueryReferences(ctx context.Context, q ReferenceQuery) (ReferencePage, error)
	CountReferences(ctx context.Context, subject model.Reference, fromType *uint64) (uint64, error)
	CountLWWElementReferences(ctx context.Context, subject model.Reference, value []byte, fromType *uint64) (uint64, error)

	QueryClaimsMatchAnyField(ctx context.Context, claimType uint64, trustRoot identity.PublicKey, value string, p moderation.Policy) ([]model.ClaimAndVouch, error)
	QueryClaimsMatchAllFields(ctx context.Context, claimType uint64, trustRoot identity.PublicKey, fields []model.ClaimField, p moderation.Policy) ([]model.ClaimAndVouch, error)
	// QueryFindClaimAndVouch returns nil when no vouch matches.
	QueryFindClaimAndVouch(ctx context.Context, vouching, claiming identity.PublicKey, claimType uint64, fields []model.ClaimField, p moderation.Policy) (*model.ClaimAndVouch, error)

	Explore(ctx context.Context, after cursor.ExploreCursor, limit int, p moderation.Policy) (ExplorePage, error)
}

// HandleRepository maps handles to systems.
type HandleRepository interface {
	// ClaimHandle binds handle to system, replacing the system's previous
	// handle. A handle owned by another system yields errs.ErrAlreadyExists.
	ClaimHandle(ctx context.Context, handle string, system identity.PublicKey) error
	// ResolveHandle reports ok=false for unknown handles.
	ResolveHandle(ctx context.Context, handle string) (system identity.PublicKey, ok bool, err error)
}
