package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr         error
	qrBlockedTill *time.Time
	qrFailsRet    int

	lastExecSQL  string
	lastExecArgs []any
	execErr      error
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	f.lastExecArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT blocked_until"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(**time.Time)) = f.qrBlockedTill
			return nil
		}}
	case strings.Contains(sql, "RETURNING fail_count"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFailsRet
			return nil
		}}
	default:
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
}

const peer = "10.0.0.1:5555"

func TestAllow_NoRow_Allows(t *testing.T) {
	fp := &fakePool{qrErr: pgx.ErrNoRows}
	l := NewPG(fp, time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), peer)
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow no-row: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_BlockedUntilFuture(t *testing.T) {
	fut := time.Now().Add(10 * time.Minute)
	fp := &fakePool{qrBlockedTill: &fut}
	l := NewPG(fp, time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), peer)
	if err != nil || ok || dur <= 0 {
		t.Fatalf("Allow blocked: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_PastOrNull_Allows(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	for _, till := range []*time.Time{&past, nil} {
		fp := &fakePool{qrBlockedTill: till}
		l := NewPG(fp, time.Minute, 5, 15*time.Minute)

		ok, dur, err := l.Allow(context.Background(), peer)
		if err != nil || !ok || dur != 0 {
			t.Fatalf("Allow past: ok=%v dur=%v err=%v", ok, dur, err)
		}
	}
}

func TestAllow_DBError_Propagates(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("db boom")}
	l := NewPG(fp, time.Minute, 5, 15*time.Minute)

	ok, _, err := l.Allow(context.Background(), peer)
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestSuccess_ResetsCounters(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, time.Minute, 5, 15*time.Minute)

	if err := l.Success(context.Background(), peer); err != nil {
		t.Fatalf("success err: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "INSERT INTO ingest_limiter") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}
	if fp.lastExecArgs[0] != HashPeer(peer) {
		t.Fatalf("raw peer address must not be stored: %v", fp.lastExecArgs[0])
	}
}

func TestSuccess_ExecError_Propagates(t *testing.T) {
	fp := &fakePool{execErr: errors.New("exec fail")}
	l := NewPG(fp, time.Minute, 5, 15*time.Minute)

	if err := l.Success(context.Background(), peer); err == nil {
		t.Fatalf("want exec error")
	}
}

func TestFailure_Increments_NoBlock(t *testing.T) {
	fp := &fakePool{qrFailsRet: 2}
	l := NewPG(fp, time.Minute, 5, 15*time.Minute)

	blocked, dur, err := l.Failure(context.Background(), peer)
	if err != nil || blocked || dur != 0 {
		t.Fatalf("Failure no block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
	if fp.lastExecSQL != "" {
		t.Fatalf("no block expected, exec=%s", fp.lastExecSQL)
	}
}

func TestFailure_BlocksAtThreshold(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fp := &fakePool{qrFailsRet: 5}
	l := NewPG(fp, time.Minute, 5, 10*time.Minute)
	l.now = func() time.Time { return fixed }

	blocked, dur, err := l.Failure(context.Background(), peer)
	if err != nil || !blocked || dur != 10*time.Minute {
		t.Fatalf("Failure block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
	if !strings.Contains(fp.lastExecSQL, "UPDATE ingest_limiter SET blocked_until") {
		t.Fatalf("must update blocked_until, exec=%s", fp.lastExecSQL)
	}
	if got := fp.lastExecArgs[1].(time.Time); !got.Equal(fixed.Add(10 * time.Minute)) {
		t.Fatalf("blocked_until=%v", got)
	}
}

func TestFailure_DBErrorOnReturning(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("query error")}
	l := NewPG(fp, time.Minute, 5, 10*time.Minute)

	if _, _, err := l.Failure(context.Background(), peer); err == nil {
		t.Fatalf("want error from returning fail_count")
	}
}

func TestNewPG_Defaults(t *testing.T) {
	l := NewPG(&fakePool{}, 0, 0, 0)
	if l.window != time.Minute || l.maxFails != 10 || l.blockFor != 5*time.Minute {
		t.Fatalf("defaults: %+v", l)
	}
}

func TestHashPeer_Determinism(t *testing.T) {
	a := HashPeer("1.2.3.4:123")
	b := HashPeer("1.2.3.4:123")
	c := HashPeer("5.6.7.8:321")
	if a != b || a == c || len(a) != 64 {
		t.Fatalf("hash mismatch/len: %d", len(a))
	}
}
