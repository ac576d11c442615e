package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/polycentric-server/internal/cursor"
	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/repository"
	"github.com/and161185/polycentric-server/internal/search"
)

type fakeRepo struct {
	ingested  []model.SignedEvent
	ingestErr error
	duplicate bool

	refQuery repository.ReferenceQuery
	refPage  repository.ReferencePage
	counts   []uint64 // returned in call order by both count methods

	latestTypes  []uint64
	latestPolicy moderation.Policy
	heads        []model.SignedEvent
	headsPolicy  moderation.Policy

	exploreAfter cursor.ExploreCursor
	exploreLimit int
	explorePage  repository.ExplorePage

	claimsAny  *string
	claimsAll  []model.ClaimField
	findPolicy moderation.Policy
}

var _ repository.EventRepository = (*fakeRepo)(nil)

func (f *fakeRepo) IngestEvent(_ context.Context, se model.SignedEvent) (bool, error) {
	if f.ingestErr != nil {
		return false, f.ingestErr
	}
	f.ingested = append(f.ingested, se)
	return !f.duplicate, nil
}
func (f *fakeRepo) SelectEventsByRanges(context.Context, identity.PublicKey, []model.ProcessRanges) ([]model.SignedEvent, error) {
	return nil, nil
}
func (f *fakeRepo) KnownRanges(context.Context, identity.PublicKey) ([]model.ProcessRanges, error) {
	return nil, nil
}
func (f *fakeRepo) RangesForWriter(_ context.Context, _ identity.PublicKey, _ model.Process) ([]model.Range, error) {
	return []model.Range{{Low: 1, High: 3}}, nil
}
func (f *fakeRepo) ProcessHead(_ context.Context, _ identity.PublicKey, process model.Process, p moderation.Policy) ([]model.SignedEvent, error) {
	f.headsPolicy = p
	var out []model.SignedEvent
	for _, se := range f.heads {
		if se.Event.Process == process {
			out = append(out, se)
		}
	}
	return out, nil
}
func (f *fakeRepo) WriterHeadsForIdentity(_ context.Context, _ identity.PublicKey, p moderation.Policy) ([]model.SignedEvent, error) {
	f.headsPolicy = p
	return f.heads, nil
}
func (f *fakeRepo) SelectLatestByContentType(_ context.Context, _ identity.PublicKey, types []uint64, p moderation.Policy) ([]model.SignedEvent, error) {
	f.latestTypes, f.latestPolicy = types, p
	return nil, nil
}
func (f *fakeRepo) QueryReferences(_ context.Context, q repository.ReferenceQuery) (repository.ReferencePage, error) {
	f.refQuery = q
	return f.refPage, nil
}
func (f *fakeRepo) nextCount() uint64 {
	n := f.counts[0]
	f.counts = f.counts[1:]
	return n
}
func (f *fakeRepo) CountReferences(context.Context, model.Reference, *uint64) (uint64, error) {
	return f.nextCount(), nil
}
func (f *fakeRepo) CountLWWElementReferences(context.Context, model.Reference, []byte, *uint64) (uint64, error) {
	return f.nextCount(), nil
}
func (f *fakeRepo) QueryClaimsMatchAnyField(_ context.Context, _ uint64, _ identity.PublicKey, v string, _ moderation.Policy) ([]model.ClaimAndVouch, error) {
	f.claimsAny = &v
	return nil, nil
}
func (f *fakeRepo) QueryClaimsMatchAllFields(_ context.Context, _ uint64, _ identity.PublicKey, fs []model.ClaimField, _ moderation.Policy) ([]model.ClaimAndVouch, error) {
	f.claimsAll = fs
	return nil, nil
}
func (f *fakeRepo) QueryFindClaimAndVouch(_ context.Context, _, _ identity.PublicKey, _ uint64, _ []model.ClaimField, p moderation.Policy) (*model.ClaimAndVouch, error) {
	f.findPolicy = p
	return nil, nil
}
func (f *fakeRepo) Explore(_ context.Context, after cursor.ExploreCursor, limit int, _ moderation.Policy) (repository.ExplorePage, error) {
	f.exploreAfter, f.exploreLimit = after, limit
	return f.explorePage, nil
}

type fakeHandles struct {
	owners map[string]string
}

func (f *fakeHandles) ClaimHandle(_ context.Context, handle string, system identity.PublicKey) error {
	if f.owners == nil {
		f.owners = map[string]string{}
	}
	if owner, ok := f.owners[handle]; ok && owner != string(system.Key) {
		return errs.ErrAlreadyExists
	}
	f.owners[handle] = string(system.Key)
	return nil
}
func (f *fakeHandles) ResolveHandle(_ context.Context, handle string) (identity.PublicKey, bool, error) {
	owner, ok := f.owners[handle]
	if !ok {
		return identity.PublicKey{}, false, nil
	}
	return identity.PublicKey{KeyType: identity.KeyTypeEd25519, Key: []byte(owner)}, true, nil
}

type fakePurger struct {
	mu   sync.Mutex
	tags [][]string
}

func (p *fakePurger) Purge(tags []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags = append(p.tags, tags)
}

type fakeIndex struct {
	search.Noop
	mu      sync.Mutex
	docs    map[string]search.Document
	removed []string
	err     error
	delay   time.Duration
}

func (x *fakeIndex) Index(_ context.Context, id string, doc search.Document) error {
	time.Sleep(x.delay)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	if x.docs == nil {
		x.docs = map[string]search.Document{}
	}
	x.docs[id] = doc
	return nil
}

func (x *fakeIndex) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removed = append(x.removed, id)
	delete(x.docs, id)
	return x.err
}

func testKey(t *testing.T, seed byte) identity.PrivateKey {
	t.Helper()
	k, err := identity.PrivateKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return k
}

var testProcess = model.Process{1, 2, 3}

func signed(t *testing.T, key identity.PrivateKey, clock, ct uint64, content []byte) model.SignedEvent {
	t.Helper()
	return protocol.SignEvent(key, &model.Event{
		System: key.Public(), Process: testProcess, LogicalClock: clock,
		ContentType: ct, Content: content,
	})
}
