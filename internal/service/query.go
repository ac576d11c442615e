package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/and161185/polycentric-server/internal/cachetag"
	"github.com/and161185/polycentric-server/internal/cursor"
	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/repository"
	"github.com/and161185/polycentric-server/internal/search"
)

// Search limits.
const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// EventsResult is a list of events plus the cache tags describing it.
type EventsResult struct {
	Events []model.SignedEvent
	Tags   []string
}

// QueryService answers the read operations under the configured moderation mode.
type QueryService struct {
	repo     repository.EventRepository
	index    search.Index
	mode     moderation.Mode
	pageSize int
}

// NewQueryService constructs QueryService. pageSize <= 0 means repository.DefaultPageSize.
func NewQueryService(repo repository.EventRepository, index search.Index, mode moderation.Mode, pageSize int) *QueryService {
	if pageSize <= 0 {
		pageSize = repository.DefaultPageSize
	}
	if index == nil {
		index = search.Noop{}
	}
	return &QueryService{repo: repo, index: index, mode: mode, pageSize: pageSize}
}

func (s *QueryService) policy(filters []moderation.Filter) moderation.Policy {
	return moderation.PolicyFor(s.mode, filters)
}

func checkSystem(system identity.PublicKey) error {
	if err := system.Valid(); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	return nil
}

// EventsByRanges returns the stored events of system inside ranges.
func (s *QueryService) EventsByRanges(ctx context.Context, system identity.PublicKey, ranges []model.ProcessRanges) ([]model.SignedEvent, error) {
	if err := checkSystem(system); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "EventsByRanges")
	defer span.End()
	return s.repo.SelectEventsByRanges(ctx, system, ranges)
}

// KnownRanges lists what the store holds for system, or for one process of it.
func (s *QueryService) KnownRanges(ctx context.Context, system identity.PublicKey, process *model.Process) ([]model.ProcessRanges, error) {
	if err := checkSystem(system); err != nil {
		return nil, err
	}
	if process == nil {
		return s.repo.KnownRanges(ctx, system)
	}
	ranges, err := s.repo.RangesForWriter(ctx, system, *process)
	if err != nil || len(ranges) == 0 {
		return nil, err
	}
	return []model.ProcessRanges{{Process: *process, Ranges: ranges}}, nil
}

// Head returns the newest event of each process of system. Naming a process
// returns only its head and bypasses moderation, as sync clients need it.
func (s *QueryService) Head(ctx context.Context, system identity.PublicKey, process *model.Process, filters []moderation.Filter) (EventsResult, error) {
	if err := checkSystem(system); err != nil {
		return EventsResult{}, err
	}
	ctx, span := tracer.Start(ctx, "Head")
	defer span.End()

	var (
		events []model.SignedEvent
		err    error
	)
	if process != nil {
		events, err = s.repo.ProcessHead(ctx, system, *process, s.policy(filters))
	} else {
		events, err = s.repo.WriterHeadsForIdentity(ctx, system, s.policy(filters))
	}
	if err != nil {
		return EventsResult{}, err
	}
	return EventsResult{Events: events, Tags: eventTags(events)}, nil
}

// Latest returns the newest event per process for each content type.
func (s *QueryService) Latest(ctx context.Context, system identity.PublicKey, contentTypes []uint64, filters []moderation.Filter) (EventsResult, error) {
	if err := checkSystem(system); err != nil {
		return EventsResult{}, err
	}
	ctx, span := tracer.Start(ctx, "Latest")
	defer span.End()
	span.SetAttributes(attribute.Int("content_types", len(contentTypes)))

	events, err := s.repo.SelectLatestByContentType(ctx, system, contentTypes, s.policy(filters))
	if err != nil {
		return EventsResult{}, err
	}
	tags := make([]string, 0, len(contentTypes))
	for _, ct := range contentTypes {
		tags = append(tags, cachetag.SystemTag(ct, system))
	}
	return EventsResult{Events: events, Tags: dedup(tags)}, nil
}

// References pages through events referencing the request subject and
// computes the requested counts.
func (s *QueryService) References(ctx context.Context, req *protocol.QueryReferencesRequest) (*protocol.QueryReferencesResponse, []string, error) {
	if req.Subject == nil {
		return nil, nil, fmt.Errorf("query references: missing subject: %w", errs.ErrMalformed)
	}
	offset, err := cursor.DecodeOffset(req.Cursor)
	if err != nil {
		return nil, nil, err
	}
	ctx, span := tracer.Start(ctx, "References")
	defer span.End()

	resp := &protocol.QueryReferencesResponse{}
	if re := req.RequestEvents; re != nil {
		q := repository.ReferenceQuery{
			Subject:  req.Subject,
			FromType: re.FromType,
			Offset:   offset,
			PageSize: s.pageSize,
			Policy:   s.policy(req.Filters),
		}
		for _, c := range re.CountLWW {
			q.CountLWW = append(q.CountLWW, repository.CountLWW{Value: c.Value, FromType: c.FromType})
		}
		for _, c := range re.CountReferences {
			q.CountRefs = append(q.CountRefs, repository.CountRefs{FromType: c.FromType})
		}
		page, err := s.repo.QueryReferences(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		for i, se := range page.Events {
			item := protocol.ReferenceItem{Event: se}
			if page.Counts != nil {
				item.Counts = page.Counts[i]
			}
			resp.Items = append(resp.Items, item)
		}
		if page.NextOffset != nil {
			resp.Cursor = cursor.EncodeOffset(*page.NextOffset)
		}
	}

	for _, c := range req.CountLWW {
		n, err := s.repo.CountLWWElementReferences(ctx, req.Subject, c.Value, c.FromType)
		if err != nil {
			return nil, nil, err
		}
		resp.Counts = append(resp.Counts, n)
	}
	for _, c := range req.CountReferences {
		n, err := s.repo.CountReferences(ctx, req.Subject, c.FromType)
		if err != nil {
			return nil, nil, err
		}
		resp.Counts = append(resp.Counts, n)
	}

	var tags []string
	if p, ok := req.Subject.(model.PointerReference); ok {
		tags = append(tags, cachetag.PostTag(p.Pointer))
	}
	return resp, tags, nil
}

// Claims returns claims vouched for by the request's trust root.
func (s *QueryService) Claims(ctx context.Context, req *protocol.ClaimsRequest) ([]model.ClaimAndVouch, error) {
	if err := checkSystem(req.TrustRoot); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Claims")
	defer span.End()

	p := s.policy(req.Filters)
	switch {
	case req.MatchAnyField != nil:
		return s.repo.QueryClaimsMatchAnyField(ctx, req.ClaimType, req.TrustRoot, *req.MatchAnyField, p)
	case len(req.MatchAllFields) > 0:
		return s.repo.QueryClaimsMatchAllFields(ctx, req.ClaimType, req.TrustRoot, req.MatchAllFields, p)
	default:
		return nil, fmt.Errorf("claims: no field predicate: %w", errs.ErrMalformed)
	}
}

// FindClaimAndVouch returns nil when vouching has not vouched for a matching claim.
func (s *QueryService) FindClaimAndVouch(ctx context.Context, req *protocol.FindClaimAndVouchRequest) (*model.ClaimAndVouch, error) {
	if err := checkSystem(req.Vouching); err != nil {
		return nil, err
	}
	if err := checkSystem(req.Claiming); err != nil {
		return nil, err
	}
	return s.repo.QueryFindClaimAndVouch(ctx, req.Vouching, req.Claiming, req.ClaimType, req.Fields, s.policy(req.Filters))
}

// Explore pages through recent posts. An empty cursor starts at the newest.
func (s *QueryService) Explore(ctx context.Context, req *protocol.ExploreRequest) (*protocol.ExploreResponse, error) {
	after := cursor.FirstDescending()
	if req.Cursor != "" {
		var err error
		if after, err = cursor.Decode(req.Cursor); err != nil {
			return nil, err
		}
	}
	limit := s.pageSize
	if req.Limit > 0 && req.Limit < uint64(limit) {
		limit = int(req.Limit)
	}
	ctx, span := tracer.Start(ctx, "Explore")
	defer span.End()

	page, err := s.repo.Explore(ctx, after, limit, s.policy(req.Filters))
	if err != nil {
		return nil, err
	}
	resp := &protocol.ExploreResponse{Events: page.Events}
	if page.Next != nil {
		resp.Cursor = cursor.Encode(*page.Next)
	}
	return resp, nil
}

// Search queries the side index and returns matching document ids.
func (s *QueryService) Search(ctx context.Context, query string, limit uint64) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query: %w", errs.ErrMalformed)
	}
	n := defaultSearchLimit
	if limit > 0 {
		n = int(min(limit, maxSearchLimit))
	}
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()
	return s.index.Search(ctx, query, n)
}

func eventTags(events []model.SignedEvent) []string {
	var tags []string
	for _, se := range events {
		tags = append(tags, cachetag.TagsFor(se)...)
	}
	return dedup(tags)
}

func dedup(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
