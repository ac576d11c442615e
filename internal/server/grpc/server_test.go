package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/polycentric-server/internal/cachetag"
	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/service"
)

type fakeIngester struct {
	got [][]byte
	err error
}

func (f *fakeIngester) IngestBatch(_ context.Context, raws [][]byte) ([]service.IngestResult, error) {
	f.got = raws
	return nil, f.err
}

type fakeQuerier struct {
	latest  service.EventsResult
	filters []moderation.Filter
	err     error
}

func (f *fakeQuerier) EventsByRanges(context.Context, identity.PublicKey, []model.ProcessRanges) ([]model.SignedEvent, error) {
	return nil, f.err
}
func (f *fakeQuerier) KnownRanges(context.Context, identity.PublicKey, *model.Process) ([]model.ProcessRanges, error) {
	return nil, f.err
}
func (f *fakeQuerier) Head(context.Context, identity.PublicKey, *model.Process, []moderation.Filter) (service.EventsResult, error) {
	return service.EventsResult{}, f.err
}
func (f *fakeQuerier) Latest(_ context.Context, _ identity.PublicKey, _ []uint64, filters []moderation.Filter) (service.EventsResult, error) {
	f.filters = filters
	return f.latest, f.err
}
func (f *fakeQuerier) References(context.Context, *protocol.QueryReferencesRequest) (*protocol.QueryReferencesResponse, []string, error) {
	return &protocol.QueryReferencesResponse{}, nil, f.err
}
func (f *fakeQuerier) Claims(context.Context, *protocol.ClaimsRequest) ([]model.ClaimAndVouch, error) {
	return nil, f.err
}
func (f *fakeQuerier) FindClaimAndVouch(context.Context, *protocol.FindClaimAndVouchRequest) (*model.ClaimAndVouch, error) {
	return nil, f.err
}
func (f *fakeQuerier) Explore(context.Context, *protocol.ExploreRequest) (*protocol.ExploreResponse, error) {
	return &protocol.ExploreResponse{}, f.err
}
func (f *fakeQuerier) Search(context.Context, string, uint64) ([]string, error) {
	return []string{"post:a"}, f.err
}

type fakeHandles struct{}

func (fakeHandles) Claim(context.Context, string, identity.PublicKey, string, []byte) error {
	return errs.ErrUnauthorized
}
func (fakeHandles) Resolve(_ context.Context, handle string) (identity.PublicKey, bool, error) {
	if handle == "alice" {
		return identity.PublicKey{KeyType: identity.KeyTypeEd25519, Key: make([]byte, 32)}, true, nil
	}
	return identity.PublicKey{}, false, nil
}

type fakeChallenger struct{}

func (fakeChallenger) Issue() (string, error) { return "challenge-token", nil }

type fakeLimiter struct {
	blocked   bool
	block     bool
	failures  int
	successes int
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return !f.blocked, time.Minute, nil
}
func (f *fakeLimiter) Success(context.Context, string) error { f.successes++; return nil }
func (f *fakeLimiter) Failure(context.Context, string) (bool, time.Duration, error) {
	f.failures++
	return f.block, time.Minute, nil
}

// garbage is a request whose bytes do not decode.
type garbage struct{}

func (*garbage) MarshalWire() ([]byte, error) { return []byte{0xFF, 0xFF}, nil }
func (*garbage) UnmarshalWire([]byte) error   { return nil }

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	log := zaptest.NewLogger(t)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingUnary(log), RecoverUnary(log)))
	Register(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return cc
}

type fixture struct {
	ingest  *fakeIngester
	query   *fakeQuerier
	limiter *fakeLimiter
	cc      *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{ingest: &fakeIngester{}, query: &fakeQuerier{}, limiter: &fakeLimiter{}}
	srv := New(f.ingest, f.query, fakeHandles{}, fakeChallenger{}, f.limiter, &cachetag.Cloudflare{}, zaptest.NewLogger(t))
	f.cc = startBufGRPC(t, srv)
	return f
}

func TestSubmitEvents_PassesRawEvents(t *testing.T) {
	f := newFixture(t)
	in := &protocol.RawEventsMessage{Events: [][]byte{{1}, {2, 3}}}

	var header metadata.MD
	err := f.cc.Invoke(context.Background(), Method("SubmitEvents"), in, &protocol.Empty{}, grpc.Header(&header))
	require.NoError(t, err)
	require.Equal(t, [][]byte{{1}, {2, 3}}, f.ingest.got)
	require.Equal(t, 1, f.limiter.successes)
	require.Len(t, header.Get(RequestIDHeader), 1)
}

func TestSubmitEvents_MalformedCountsAgainstPeer(t *testing.T) {
	f := newFixture(t)
	f.ingest.err = errs.ErrBadSignature
	in := &protocol.RawEventsMessage{Events: [][]byte{{1}}}

	err := f.cc.Invoke(context.Background(), Method("SubmitEvents"), in, &protocol.Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, 1, f.limiter.failures)

	f.limiter.block = true
	err = f.cc.Invoke(context.Background(), Method("SubmitEvents"), in, &protocol.Empty{})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	f.limiter.blocked = true
	f.ingest.got = nil
	err = f.cc.Invoke(context.Background(), Method("SubmitEvents"), in, &protocol.Empty{})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Nil(t, f.ingest.got)
}

func TestQueryLatest_SetsCacheHeader(t *testing.T) {
	f := newFixture(t)
	f.query.latest = service.EventsResult{Tags: []string{"5:abc", "9:abc"}}
	filters := []moderation.Filter{{Tag: "violence", MaxLevel: 1, Strict: true}}
	req := &protocol.LatestRequest{
		System:       identity.PublicKey{KeyType: identity.KeyTypeEd25519, Key: bytes.Repeat([]byte{1}, 32)},
		ContentTypes: []uint64{model.ContentTypeUsername, model.ContentTypeAvatar},
		Filters:      filters,
	}

	var header metadata.MD
	err := f.cc.Invoke(context.Background(), Method("QueryLatest"), req, &protocol.EventsMessage{}, grpc.Header(&header))
	require.NoError(t, err)
	require.Equal(t, []string{"5:abc,9:abc"}, header.Get("cache-tag"))
	require.Equal(t, filters, f.query.filters)
}

func TestResolveHandle_UnclaimedIsEmptyResult(t *testing.T) {
	f := newFixture(t)

	out := &protocol.PublicKeyMessage{}
	err := f.cc.Invoke(context.Background(), Method("ResolveHandle"), &protocol.HandleRequest{Handle: "ghost"}, out)
	require.NoError(t, err)
	require.False(t, out.Found())

	out = &protocol.PublicKeyMessage{}
	err = f.cc.Invoke(context.Background(), Method("ResolveHandle"), &protocol.HandleRequest{Handle: "alice"}, out)
	require.NoError(t, err)
	require.True(t, out.Found())
	require.Equal(t, identity.KeyTypeEd25519, out.System.KeyType)
}

func TestErrors_MapToCodes(t *testing.T) {
	f := newFixture(t)

	err := f.cc.Invoke(context.Background(), Method("ClaimHandle"), &protocol.ClaimHandleRequest{Handle: "x"}, &protocol.Empty{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	err = f.cc.Invoke(context.Background(), Method("SubmitEvents"), &garbage{}, &protocol.Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	f.query.err = errors.New("pool exhausted")
	err = f.cc.Invoke(context.Background(), Method("Explore"), &protocol.ExploreRequest{}, &protocol.ExploreResponse{})
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, "internal", status.Convert(err).Message())
}

func TestRequestChallengeAndSearch(t *testing.T) {
	f := newFixture(t)

	ch := &protocol.ChallengeResponse{}
	require.NoError(t, f.cc.Invoke(context.Background(), Method("RequestChallenge"), &protocol.Empty{}, ch))
	require.Equal(t, "challenge-token", ch.Body)

	res := &protocol.SearchResponse{}
	require.NoError(t, f.cc.Invoke(context.Background(), Method("Search"), &protocol.SearchRequest{Query: "a"}, res))
	require.Equal(t, []string{"post:a"}, res.IDs)
}
