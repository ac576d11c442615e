package moderation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CSAMTag is written with level CSAMLevel for events a scanner flags.
const (
	CSAMTag   = "csam"
	CSAMLevel = 3
)

// Queue hands out unprocessed events. ProcessPending claims up to limit of
// them, calls fn for each, and stores the returned tags in one transaction.
// An error from fn leaves that event unprocessed.
type Queue interface {
	ProcessPending(ctx context.Context, limit int, fn func(ctx context.Context, s Subject) (Tags, error)) (int, error)
}

// Worker periodically drains the moderation queue.
type Worker struct {
	queue    Queue
	tagger   Tagger
	scanner  CSAMScanner
	interval time.Duration
	batch    int
	log      *zap.Logger
}

// NewWorker constructs a queue worker.
func NewWorker(q Queue, tagger Tagger, scanner CSAMScanner, interval time.Duration, batch int, log *zap.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Worker{queue: q, tagger: tagger, scanner: scanner, interval: interval, batch: batch, log: log}
}

// Classify runs the scanner and the tagger for one subject.
func (w *Worker) Classify(ctx context.Context, s Subject) (Tags, error) {
	flagged, err := w.scanner.Scan(ctx, s)
	if err != nil {
		return nil, err
	}
	tags, err := w.tagger.Moderate(ctx, s)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = Tags{}
	}
	if flagged {
		tags[CSAMTag] = CSAMLevel
	}
	return tags, nil
}

// RunOnce processes a single batch and reports how many events were tagged.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.queue.ProcessPending(ctx, w.batch, func(ctx context.Context, s Subject) (Tags, error) {
		tags, err := w.Classify(ctx, s)
		if err != nil {
			w.log.Warn("moderation: classify failed", zap.Int64("event_id", s.EventID), zap.Error(err))
		}
		return tags, err
	})
}

// Run drains the queue until ctx is done. A full batch is followed
// immediately by another round.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("moderation: batch failed", zap.Error(err))
		}
		if err == nil && n >= w.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
