// Package service orchestrates ingestion and reads over the event store.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/and161185/polycentric-server/internal/cachetag"
	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
	"github.com/and161185/polycentric-server/internal/repository"
	"github.com/and161185/polycentric-server/internal/search"
)

var tracer = otel.Tracer("github.com/and161185/polycentric-server/internal/service")

// Purger schedules a background purge of cache tags.
type Purger interface {
	Purge(tags []string)
}

// IngestResult reports the outcome for one submitted event. Tags are the
// cache tags purged for it; empty when nothing was stored.
type IngestResult struct {
	Inserted bool
	Tags     []string
}

// IngestService verifies, persists and fans out submitted events.
type IngestService struct {
	repo         repository.EventRepository
	index        search.Index
	purger       Purger
	maxBatch     int
	indexTimeout time.Duration
	log          *zap.Logger

	// Index updates apply one at a time in commit order.
	mu       sync.Mutex
	pending  []indexJob
	draining bool
	wg       sync.WaitGroup
}

type indexJob struct {
	contentType uint64
	apply       func(ctx context.Context) error
}

// NewIngestService constructs IngestService. maxBatch <= 0 means 1000.
func NewIngestService(repo repository.EventRepository, index search.Index, purger Purger, maxBatch int, log *zap.Logger) *IngestService {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	if index == nil {
		index = search.Noop{}
	}
	return &IngestService{
		repo: repo, index: index, purger: purger,
		maxBatch: maxBatch, indexTimeout: 5 * time.Second, log: log,
	}
}

// Ingest decodes one SignedEvent message and stores it.
func (s *IngestService) Ingest(ctx context.Context, raw []byte) (IngestResult, error) {
	se, err := protocol.ParseSignedEvent(raw)
	if err != nil {
		return IngestResult{}, err
	}
	return s.IngestSigned(ctx, se)
}

// IngestBatch decodes every message before storing any of them, so a batch
// with one malformed event persists nothing. Valid events are then stored
// in order; a storage failure stops the batch.
func (s *IngestService) IngestBatch(ctx context.Context, raws [][]byte) ([]IngestResult, error) {
	if len(raws) > s.maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds %d: %w", len(raws), s.maxBatch, errs.ErrMalformed)
	}
	events := make([]model.SignedEvent, 0, len(raws))
	for i, raw := range raws {
		se, err := protocol.ParseSignedEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
		events = append(events, se)
	}
	out := make([]IngestResult, 0, len(events))
	for _, se := range events {
		res, err := s.IngestSigned(ctx, se)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// IngestSigned stores an already verified event and triggers best-effort
// side effects once it is committed.
func (s *IngestService) IngestSigned(ctx context.Context, se model.SignedEvent) (IngestResult, error) {
	ev := se.Event
	ctx, span := tracer.Start(ctx, "IngestEvent", trace.WithAttributes(
		attribute.Int64("event.content_type", int64(ev.ContentType)),
		attribute.Int64("event.logical_clock", int64(ev.LogicalClock)),
	))
	defer span.End()

	inserted, err := s.repo.IngestEvent(ctx, se)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return IngestResult{}, err
	}
	span.SetAttributes(attribute.Bool("event.inserted", inserted))
	if !inserted {
		return IngestResult{}, nil
	}

	tags := cachetag.TagsFor(se)
	if s.purger != nil {
		s.purger.Purge(tags)
	}
	s.updateIndex(se)
	return IngestResult{Inserted: true, Tags: tags}, nil
}

// updateIndex mirrors a stored event into the search index in the background.
// Updates are queued so a DELETE never overtakes the POST it removes.
func (s *IngestService) updateIndex(se model.SignedEvent) {
	ev := se.Event
	var apply func(ctx context.Context) error

	if ev.ContentType == model.ContentTypeDelete {
		del, err := protocol.DecodeDelete(ev.Content)
		if err != nil || del.ContentType != model.ContentTypePost {
			return
		}
		id := search.PostID(ev.System, del.Process, del.LogicalClock)
		apply = func(ctx context.Context) error { return s.index.Remove(ctx, id) }
	} else {
		id, doc, ok := search.DocumentFor(se)
		if !ok {
			return
		}
		apply = func(ctx context.Context) error { return s.index.Index(ctx, id, doc) }
	}

	s.enqueue(indexJob{contentType: ev.ContentType, apply: apply})
}

func (s *IngestService) enqueue(job indexJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, job)
	if !s.draining {
		s.draining = true
		s.wg.Add(1)
		go s.drain()
	}
}

func (s *IngestService) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		job := s.pending[0]
		s.pending[0] = indexJob{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.indexTimeout)
		if err := job.apply(ctx); err != nil {
			s.log.Warn("search index update failed",
				zap.Uint64("content_type", job.contentType), zap.Error(err))
		}
		cancel()
	}
}

// Wait blocks until background index updates have finished.
func (s *IngestService) Wait() { s.wg.Wait() }
