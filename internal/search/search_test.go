package search

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

func event(t *testing.T, ct uint64, content []byte, lww *model.LWWElement) model.SignedEvent {
	t.Helper()
	key, err := identity.PrivateKeyFromSeed(bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)
	return protocol.SignEvent(key, &model.Event{
		System: key.Public(), Process: model.Process{2}, LogicalClock: 1,
		ContentType: ct, Content: content, LWWElement: lww,
	})
}

func TestDocumentFor(t *testing.T) {
	post := event(t, model.ContentTypePost, protocol.EncodePost("Decentralized social"), nil)
	id, doc, ok := DocumentFor(post)
	require.True(t, ok)
	require.Equal(t, PostID(post.Event.System, post.Event.Process, post.Event.LogicalClock), id)
	require.Equal(t, Document{Kind: KindPost, Content: "Decentralized social"}, doc)

	name := event(t, model.ContentTypeUsername, nil, &model.LWWElement{Value: []byte("alice"), UnixMilliseconds: 1})
	id, doc, ok = DocumentFor(name)
	require.True(t, ok)
	require.Contains(t, id, "profile:5:")
	require.Equal(t, KindProfile, doc.Kind)

	_, _, ok = DocumentFor(event(t, model.ContentTypeFollow, nil, nil))
	require.False(t, ok)
	_, _, ok = DocumentFor(event(t, model.ContentTypeUsername, nil, nil))
	require.False(t, ok)
}

func TestBleve_IndexSearchRemove(t *testing.T) {
	idx, err := OpenBleve("")
	require.NoError(t, err)
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, "a", Document{Kind: KindPost, Content: "Polycentric servers replicate events"}))
	require.NoError(t, idx.Index(ctx, "b", Document{Kind: KindPost, Content: "cooking pasta tonight"}))

	ids, err := idx.Search(ctx, "replicate", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	ids, err = idx.Search(ctx, "POLY", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	require.NoError(t, idx.Remove(ctx, "a"))
	ids, err = idx.Search(ctx, "replicate", 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestBleve_OnDisk(t *testing.T) {
	path := t.TempDir() + "/idx"
	idx, err := OpenBleve(path)
	require.NoError(t, err)
	require.NoError(t, idx.Index(context.Background(), "x", Document{Kind: KindProfile, Content: "alice"}))
	require.NoError(t, idx.Close())

	idx, err = OpenBleve(path)
	require.NoError(t, err)
	defer idx.Close()
	ids, err := idx.Search(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, ids)
}

func TestNew(t *testing.T) {
	idx, err := New("", "")
	require.NoError(t, err)
	require.IsType(t, Noop{}, idx)
	_, err = New("elastic", "")
	require.Error(t, err)
}
