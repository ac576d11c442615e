// Package grpcserver exposes the event store over gRPC.
package grpcserver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/polycentric-server/internal/cachetag"
	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/limiter"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/service"
)

// Ingester stores submitted events.
type Ingester interface {
	IngestBatch(ctx context.Context, raws [][]byte) ([]service.IngestResult, error)
}

// Querier answers the read operations.
type Querier interface {
	EventsByRanges(ctx context.Context, system identity.PublicKey, ranges []model.ProcessRanges) ([]model.SignedEvent, error)
	KnownRanges(ctx context.Context, system identity.PublicKey, process *model.Process) ([]model.ProcessRanges, error)
	Head(ctx context.Context, system identity.PublicKey, process *model.Process, filters []moderation.Filter) (service.EventsResult, error)
	Latest(ctx context.Context, system identity.PublicKey, contentTypes []uint64, filters []moderation.Filter) (service.EventsResult, error)
	References(ctx context.Context, req *protocol.QueryReferencesRequest) (*protocol.QueryReferencesResponse, []string, error)
	Claims(ctx context.Context, req *protocol.ClaimsRequest) ([]model.ClaimAndVouch, error)
	FindClaimAndVouch(ctx context.Context, req *protocol.FindClaimAndVouchRequest) (*model.ClaimAndVouch, error)
	Explore(ctx context.Context, req *protocol.ExploreRequest) (*protocol.ExploreResponse, error)
	Search(ctx context.Context, query string, limit uint64) ([]string, error)
}

// Handles claims and resolves handles.
type Handles interface {
	Claim(ctx context.Context, handle string, system identity.PublicKey, challenge string, signature []byte) error
	Resolve(ctx context.Context, handle string) (system identity.PublicKey, ok bool, err error)
}

// Challenger issues ownership challenges.
type Challenger interface {
	Issue() (string, error)
}

// Server wires services into gRPC handlers.
type Server struct {
	ingest     Ingester
	query      Querier
	handles    Handles
	challenges Challenger
	limiter    limiter.Limiter
	cache      cachetag.Provider
	log        *zap.Logger
}

// New constructs a gRPC server with injected services. A nil limiter or
// cache provider disables that concern.
func New(ingest Ingester, query Querier, handles Handles, challenges Challenger,
	lim limiter.Limiter, cache cachetag.Provider, log *zap.Logger,
) *Server {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if cache == nil {
		cache = cachetag.Noop{}
	}
	return &Server{
		ingest: ingest, query: query, handles: handles, challenges: challenges,
		limiter: lim, cache: cache, log: log,
	}
}

func (s *Server) fail(ctx context.Context, op string, err error) error {
	st := toStatus(err)
	if status.Code(st) == codes.Internal {
		id, _ := RequestIDFromCtx(ctx)
		s.log.Error(op, zap.String("request_id", id), zap.Error(err))
	}
	return st
}

// setCacheTags annotates a read response for the edge cache.
func (s *Server) setCacheTags(ctx context.Context, tags []string) {
	name := s.cache.HeaderName()
	if name == "" || len(tags) == 0 {
		return
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(name, s.cache.HeaderValue(tags))); err != nil {
		s.log.Debug("cache header not set", zap.Error(err))
	}
}

// SubmitEvents ingests a batch of signed events. Peers that keep sending
// malformed batches are blocked for a while.
func (s *Server) SubmitEvents(ctx context.Context, req *protocol.RawEventsMessage) (*protocol.Empty, error) {
	peerHost := remoteHost(ctx)
	ok, retry, err := s.limiter.Allow(ctx, peerHost)
	if err != nil {
		s.log.Warn("limiter unavailable", zap.Error(err))
	} else if !ok {
		return nil, status.Errorf(codes.ResourceExhausted, "rate limited, retry in %s", retry.Round(time.Second))
	}

	if _, err := s.ingest.IngestBatch(ctx, req.Events); err != nil {
		if errs.IsClientError(err) {
			if blocked, _, lerr := s.limiter.Failure(ctx, peerHost); lerr == nil && blocked {
				return nil, toStatus(fmt.Errorf("%v: %w", err, errs.ErrRateLimited))
			}
		}
		return nil, s.fail(ctx, "submit events", err)
	}
	if err := s.limiter.Success(ctx, peerHost); err != nil {
		s.log.Warn("limiter reset failed", zap.Error(err))
	}
	return &protocol.Empty{}, nil
}

// RequestEventsByRanges returns stored events inside the requested ranges.
func (s *Server) RequestEventsByRanges(ctx context.Context, req *protocol.RangesRequest) (*protocol.EventsMessage, error) {
	events, err := s.query.EventsByRanges(ctx, req.System, req.Ranges)
	if err != nil {
		return nil, s.fail(ctx, "events by ranges", err)
	}
	return &protocol.EventsMessage{Events: events}, nil
}

// KnownRanges lists the stored clock intervals of a system.
func (s *Server) KnownRanges(ctx context.Context, req *protocol.SystemRequest) (*protocol.RangesResponse, error) {
	ranges, err := s.query.KnownRanges(ctx, req.System, req.Process)
	if err != nil {
		return nil, s.fail(ctx, "known ranges", err)
	}
	return &protocol.RangesResponse{Ranges: ranges}, nil
}

// Head returns the newest event of each process.
func (s *Server) Head(ctx context.Context, req *protocol.SystemRequest) (*protocol.EventsMessage, error) {
	res, err := s.query.Head(ctx, req.System, req.Process, req.Filters)
	if err != nil {
		return nil, s.fail(ctx, "head", err)
	}
	s.setCacheTags(ctx, res.Tags)
	return &protocol.EventsMessage{Events: res.Events}, nil
}

// QueryLatest returns the newest events per content type.
func (s *Server) QueryLatest(ctx context.Context, req *protocol.LatestRequest) (*protocol.EventsMessage, error) {
	res, err := s.query.Latest(ctx, req.System, req.ContentTypes, req.Filters)
	if err != nil {
		return nil, s.fail(ctx, "latest", err)
	}
	s.setCacheTags(ctx, res.Tags)
	return &protocol.EventsMessage{Events: res.Events}, nil
}

// QueryReferences pages through events referencing a subject.
func (s *Server) QueryReferences(ctx context.Context, req *protocol.QueryReferencesRequest) (*protocol.QueryReferencesResponse, error) {
	resp, tags, err := s.query.References(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "references", err)
	}
	s.setCacheTags(ctx, tags)
	return resp, nil
}

// QueryClaims returns vouched claims.
func (s *Server) QueryClaims(ctx context.Context, req *protocol.ClaimsRequest) (*protocol.ClaimsResponse, error) {
	matches, err := s.query.Claims(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "claims", err)
	}
	return &protocol.ClaimsResponse{Matches: matches}, nil
}

// FindClaimAndVouch returns at most one match.
func (s *Server) FindClaimAndVouch(ctx context.Context, req *protocol.FindClaimAndVouchRequest) (*protocol.ClaimsResponse, error) {
	found, err := s.query.FindClaimAndVouch(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "find claim and vouch", err)
	}
	resp := &protocol.ClaimsResponse{}
	if found != nil {
		resp.Matches = []model.ClaimAndVouch{*found}
	}
	return resp, nil
}

// Explore pages through recent posts.
func (s *Server) Explore(ctx context.Context, req *protocol.ExploreRequest) (*protocol.ExploreResponse, error) {
	resp, err := s.query.Explore(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "explore", err)
	}
	return resp, nil
}

// Search queries the side index.
func (s *Server) Search(ctx context.Context, req *protocol.SearchRequest) (*protocol.SearchResponse, error) {
	ids, err := s.query.Search(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, s.fail(ctx, "search", err)
	}
	return &protocol.SearchResponse{IDs: ids}, nil
}

// RequestChallenge issues a challenge for handle claims.
func (s *Server) RequestChallenge(ctx context.Context, _ *protocol.Empty) (*protocol.ChallengeResponse, error) {
	body, err := s.challenges.Issue()
	if err != nil {
		return nil, s.fail(ctx, "challenge", err)
	}
	return &protocol.ChallengeResponse{Body: body}, nil
}

// ClaimHandle binds a handle to the requesting system.
func (s *Server) ClaimHandle(ctx context.Context, req *protocol.ClaimHandleRequest) (*protocol.Empty, error) {
	if err := s.handles.Claim(ctx, req.Handle, req.System, req.Challenge, req.Signature); err != nil {
		return nil, s.fail(ctx, "claim handle", err)
	}
	return &protocol.Empty{}, nil
}

// ResolveHandle returns the system owning a handle, or an empty message
// when the handle is unclaimed.
func (s *Server) ResolveHandle(ctx context.Context, req *protocol.HandleRequest) (*protocol.PublicKeyMessage, error) {
	system, ok, err := s.handles.Resolve(ctx, req.Handle)
	if err != nil {
		return nil, s.fail(ctx, "resolve handle", err)
	}
	if !ok {
		return &protocol.PublicKeyMessage{}, nil
	}
	return &protocol.PublicKeyMessage{System: system}, nil
}
