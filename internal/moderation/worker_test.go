package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeQueue struct {
	subjects []Subject
	stored   map[int64]Tags
}

func (q *fakeQueue) ProcessPending(ctx context.Context, limit int, fn func(context.Context, Subject) (Tags, error)) (int, error) {
	if q.stored == nil {
		q.stored = map[int64]Tags{}
	}
	n := 0
	for _, s := range q.subjects {
		if n == limit {
			break
		}
		tags, err := fn(ctx, s)
		if err != nil {
			continue
		}
		q.stored[s.EventID] = tags
		n++
	}
	return n, nil
}

type flagScanner struct{ ids map[int64]bool }

func (f flagScanner) Scan(_ context.Context, s Subject) (bool, error) { return f.ids[s.EventID], nil }

type failingTagger struct{}

func (failingTagger) Moderate(context.Context, Subject) (Tags, error) { return nil, errors.New("down") }

func TestWorker_RunOnce_TagsAndFlags(t *testing.T) {
	q := &fakeQueue{subjects: []Subject{{EventID: 1}, {EventID: 2}}}
	w := NewWorker(q, NoopTagger{}, flagScanner{ids: map[int64]bool{2: true}}, time.Second, 10, zaptest.NewLogger(t))

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, Tags{}, q.stored[1])
	require.Equal(t, Tags{CSAMTag: CSAMLevel}, q.stored[2])
}

func TestWorker_RunOnce_TaggerFailureLeavesPending(t *testing.T) {
	q := &fakeQueue{subjects: []Subject{{EventID: 1}}}
	w := NewWorker(q, failingTagger{}, NoopScanner{}, time.Second, 10, zaptest.NewLogger(t))

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, q.stored)
}

func TestWorker_Run_StopsOnCancel(t *testing.T) {
	q := &fakeQueue{}
	w := NewWorker(q, NoopTagger{}, NoopScanner{}, 10*time.Millisecond, 10, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHTTPTagger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req httpTagRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		level := 2
		if req.ContentType == 3 && req.Text == "hi" {
			level = 0
		}
		_ = json.NewEncoder(w).Encode(httpTagResponse{Tags: map[string]int{"violence": level}})
	}))
	defer srv.Close()

	tg, err := NewTagger("http", srv.URL, "tok", time.Second)
	require.NoError(t, err)
	tags, err := tg.Moderate(context.Background(), Subject{EventID: 5, ContentType: 3, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, Tags{"violence": 0}, tags)
}

func TestHTTPTagger_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sc, err := NewScanner("http", srv.URL, "", time.Second)
	require.NoError(t, err)
	_, err = sc.Scan(context.Background(), Subject{})
	require.Error(t, err)
}

func TestNewTagger_Selection(t *testing.T) {
	tg, err := NewTagger("", "", "", 0)
	require.NoError(t, err)
	require.IsType(t, NoopTagger{}, tg)

	_, err = NewTagger("http", "", "", 0)
	require.Error(t, err)

	_, err = NewTagger("magic", "", "", 0)
	require.Error(t, err)
}
