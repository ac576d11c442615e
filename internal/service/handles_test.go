package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/protocol"
)

func TestChallenge_IssueAndVerify(t *testing.T) {
	c := NewChallengeService([]byte("secret"), time.Minute)
	key := testKey(t, 1)

	tok, err := c.Issue()
	require.NoError(t, err)
	require.NoError(t, c.Verify(tok, "alice", key.Public(), key.Sign(protocol.ChallengeMessage(tok, "alice"))))

	other := testKey(t, 2)
	err = c.Verify(tok, "alice", key.Public(), other.Sign(protocol.ChallengeMessage(tok, "alice")))
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	forged := NewChallengeService([]byte("other"), time.Minute)
	ftok, err := forged.Issue()
	require.NoError(t, err)
	err = c.Verify(ftok, "alice", key.Public(), key.Sign(protocol.ChallengeMessage(ftok, "alice")))
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestChallenge_SignatureIsBoundToHandle(t *testing.T) {
	c := NewChallengeService([]byte("secret"), time.Minute)
	key := testKey(t, 1)
	tok, err := c.Issue()
	require.NoError(t, err)

	sig := key.Sign(protocol.ChallengeMessage(tok, "alice"))
	err = c.Verify(tok, "mallory", key.Public(), sig)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	err = c.Verify(tok, "alice", key.Public(), key.Sign([]byte(tok)))
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestChallenge_Expires(t *testing.T) {
	c := NewChallengeService([]byte("secret"), time.Minute)
	key := testKey(t, 1)
	tok, err := c.Issue()
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	err = c.Verify(tok, "alice", key.Public(), key.Sign(protocol.ChallengeMessage(tok, "alice")))
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestHandles_ClaimAndResolve(t *testing.T) {
	c := NewChallengeService([]byte("secret"), time.Minute)
	s := NewHandleService(&fakeHandles{}, c)
	ctx := context.Background()
	alice, bob := testKey(t, 1), testKey(t, 2)

	tok, err := c.Issue()
	require.NoError(t, err)
	require.NoError(t, s.Claim(ctx, "alice_01", alice.Public(), tok, alice.Sign(protocol.ChallengeMessage(tok, "alice_01"))))

	got, ok, err := s.Resolve(ctx, "alice_01")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(alice.Public()))

	err = s.Claim(ctx, "alice_01", bob.Public(), tok, bob.Sign(protocol.ChallengeMessage(tok, "alice_01")))
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	err = s.Claim(ctx, "alice_01", bob.Public(), tok, alice.Sign(protocol.ChallengeMessage(tok, "alice_01")))
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	got, ok, err = s.Resolve(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, got.Key)
}

func TestHandles_RejectsInvalidHandles(t *testing.T) {
	s := NewHandleService(&fakeHandles{}, NewChallengeService([]byte("k"), 0))
	key := testKey(t, 1)
	for _, h := range []string{"", "has space", "émoji", string(make([]byte, 65))} {
		err := s.Claim(context.Background(), h, key.Public(), "t", nil)
		require.ErrorIs(t, err, errs.ErrInvalidHandle, h)
		_, _, err = s.Resolve(context.Background(), h)
		require.ErrorIs(t, err, errs.ErrInvalidHandle, h)
	}
}
