package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/polycentric-server/internal/cachetag"
	"github.com/and161185/polycentric-server/internal/cursor"
	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/repository"
)

func TestReferences_CursorAndCounts(t *testing.T) {
	post := signed(t, testKey(t, 1), 1, model.ContentTypePost, nil)
	next := uint64(40)
	repo := &fakeRepo{
		refPage: repository.ReferencePage{
			Events: []model.SignedEvent{post}, Counts: [][]uint64{{7}}, NextOffset: &next,
		},
		counts: []uint64{3, 9},
	}
	s := NewQueryService(repo, nil, moderation.ModeLazy, 20)
	opinion := model.ContentTypeOpinion

	subject := model.PointerReference{Pointer: post.Pointer()}
	resp, tags, err := s.References(context.Background(), &protocol.QueryReferencesRequest{
		Subject: subject,
		Cursor:  cursor.EncodeOffset(20),
		RequestEvents: &protocol.ReferenceRequestEvents{
			CountLWW: []protocol.CountLWWElementReferences{{Value: model.OpinionLike, FromType: &opinion}},
		},
		CountLWW:        []protocol.CountLWWElementReferences{{Value: model.OpinionLike}},
		CountReferences: []protocol.CountReferences{{}},
	})
	require.NoError(t, err)

	require.Equal(t, uint64(20), repo.refQuery.Offset)
	require.Equal(t, 20, repo.refQuery.PageSize)
	require.Equal(t, moderation.PolicyFor(moderation.ModeLazy, nil), repo.refQuery.Policy)
	require.Len(t, repo.refQuery.CountLWW, 1)

	require.Len(t, resp.Items, 1)
	require.Equal(t, []uint64{7}, resp.Items[0].Counts)
	require.Equal(t, cursor.EncodeOffset(40), resp.Cursor)
	require.Equal(t, []uint64{3, 9}, resp.Counts)
	require.Equal(t, []string{cachetag.PostTag(post.Pointer())}, tags)
}

func TestReferences_Rejects(t *testing.T) {
	s := NewQueryService(&fakeRepo{}, nil, moderation.ModeOff, 0)

	_, _, err := s.References(context.Background(), &protocol.QueryReferencesRequest{})
	require.ErrorIs(t, err, errs.ErrMalformed)

	_, _, err = s.References(context.Background(), &protocol.QueryReferencesRequest{
		Subject: model.BytesReference{Bytes: []byte("x")}, Cursor: []byte{1, 2, 3},
	})
	require.ErrorIs(t, err, errs.ErrInvalidCursor)
}

func TestExplore_DefaultsAndCursor(t *testing.T) {
	repo := &fakeRepo{explorePage: repository.ExplorePage{Next: &cursor.ExploreCursor{ID: 55}}}
	s := NewQueryService(repo, nil, moderation.ModeOff, 20)

	resp, err := s.Explore(context.Background(), &protocol.ExploreRequest{})
	require.NoError(t, err)
	require.Equal(t, cursor.FirstDescending(), repo.exploreAfter)
	require.Equal(t, 20, repo.exploreLimit)
	require.Equal(t, cursor.Encode(cursor.ExploreCursor{ID: 55}), resp.Cursor)

	_, err = s.Explore(context.Background(), &protocol.ExploreRequest{Cursor: resp.Cursor, Limit: 5})
	require.NoError(t, err)
	require.Equal(t, int64(55), repo.exploreAfter.ID)
	require.Equal(t, 5, repo.exploreLimit)

	_, err = s.Explore(context.Background(), &protocol.ExploreRequest{Cursor: "!!"})
	require.ErrorIs(t, err, errs.ErrInvalidCursor)
}

func TestLatest_TagsPerContentType(t *testing.T) {
	repo := &fakeRepo{}
	s := NewQueryService(repo, nil, moderation.ModeStrong, 0)
	sys := testKey(t, 1).Public()

	res, err := s.Latest(context.Background(), sys, []uint64{model.ContentTypeUsername, model.ContentTypeAvatar}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		cachetag.SystemTag(model.ContentTypeUsername, sys),
		cachetag.SystemTag(model.ContentTypeAvatar, sys),
	}, res.Tags)
	require.Equal(t, moderation.ModeStrong, repo.latestPolicy.Mode)

	_, err = s.Latest(context.Background(), sys, nil, nil)
	require.NoError(t, err)
	_, err = s.Latest(context.Background(), identity.PublicKey{}, nil, nil)
	require.ErrorIs(t, err, errs.ErrMalformed)
}

func TestHead_ProcessScopedIsModerated(t *testing.T) {
	key := testKey(t, 1)
	mine := signed(t, key, 4, model.ContentTypePost, nil)
	other := protocol.SignEvent(key, &model.Event{System: key.Public(), Process: model.Process{9}, LogicalClock: 2, ContentType: model.ContentTypePost})
	repo := &fakeRepo{heads: []model.SignedEvent{mine, other}}
	s := NewQueryService(repo, nil, moderation.ModeStrong, 0)

	res, err := s.Head(context.Background(), key.Public(), &testProcess, nil)
	require.NoError(t, err)
	require.Equal(t, []model.SignedEvent{mine}, res.Events)
	require.Equal(t, moderation.PolicyFor(moderation.ModeStrong, nil), repo.headsPolicy)

	res, err = s.Head(context.Background(), key.Public(), nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, moderation.ModeStrong, repo.headsPolicy.Mode)
	require.NotEmpty(t, res.Tags)
}

func TestKnownRanges_ForOneProcess(t *testing.T) {
	s := NewQueryService(&fakeRepo{}, nil, moderation.ModeOff, 0)
	got, err := s.KnownRanges(context.Background(), testKey(t, 1).Public(), &testProcess)
	require.NoError(t, err)
	require.Equal(t, []model.ProcessRanges{{Process: testProcess, Ranges: []model.Range{{Low: 1, High: 3}}}}, got)
}

func TestClaims_Predicates(t *testing.T) {
	repo := &fakeRepo{}
	s := NewQueryService(repo, nil, moderation.ModeOff, 0)
	root := testKey(t, 2).Public()
	value := "octocat"

	_, err := s.Claims(context.Background(), &protocol.ClaimsRequest{ClaimType: 4, TrustRoot: root, MatchAnyField: &value})
	require.NoError(t, err)
	require.Equal(t, "octocat", *repo.claimsAny)

	fields := []model.ClaimField{{Key: 1, Value: "octocat"}}
	_, err = s.Claims(context.Background(), &protocol.ClaimsRequest{ClaimType: 4, TrustRoot: root, MatchAllFields: fields})
	require.NoError(t, err)
	require.Equal(t, fields, repo.claimsAll)

	_, err = s.Claims(context.Background(), &protocol.ClaimsRequest{ClaimType: 4, TrustRoot: root})
	require.ErrorIs(t, err, errs.ErrMalformed)
}

func TestFindClaimAndVouch_UsesRequestFilters(t *testing.T) {
	repo := &fakeRepo{}
	s := NewQueryService(repo, nil, moderation.ModeStrong, 0)
	filters := []moderation.Filter{{Tag: "sexual", MaxLevel: 0, Strict: true}}

	_, err := s.FindClaimAndVouch(context.Background(), &protocol.FindClaimAndVouchRequest{
		Vouching: testKey(t, 2).Public(), Claiming: testKey(t, 1).Public(), ClaimType: 4, Filters: filters,
	})
	require.NoError(t, err)
	require.Equal(t, moderation.Policy{Mode: moderation.ModeStrong, Filters: filters}, repo.findPolicy)

	_, err = s.FindClaimAndVouch(context.Background(), &protocol.FindClaimAndVouchRequest{
		Vouching: testKey(t, 2).Public(), Claiming: testKey(t, 1).Public(), ClaimType: 4,
	})
	require.NoError(t, err)
	require.Equal(t, moderation.PolicyFor(moderation.ModeStrong, nil), repo.findPolicy)
}

func TestSearch_Validation(t *testing.T) {
	idx := &fakeIndex{}
	s := NewQueryService(&fakeRepo{}, idx, moderation.ModeOff, 0)

	_, err := s.Search(context.Background(), "   ", 0)
	require.ErrorIs(t, err, errs.ErrMalformed)

	ids, err := s.Search(context.Background(), "hello", 1000)
	require.NoError(t, err)
	require.Empty(t, ids)
}
