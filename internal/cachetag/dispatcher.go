package cachetag

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dispatcher runs purges in the background. A purge that cannot get a
// limiter token within the timeout is dropped and logged.
type Dispatcher struct {
	provider Provider
	limiter  *rate.Limiter
	timeout  time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher throttles purges to rps (unlimited when rps <= 0).
func NewDispatcher(p Provider, rps float64, timeout time.Duration, log *zap.Logger) *Dispatcher {
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{provider: p, limiter: lim, timeout: timeout, log: log}
}

// Provider returns the wrapped provider.
func (d *Dispatcher) Provider() Provider { return d.provider }

// Purge schedules a purge of tags and returns immediately.
func (d *Dispatcher) Purge(tags []string) {
	if len(tags) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.limiter.Wait(ctx); err != nil {
			d.log.Warn("cache purge dropped", zap.Strings("tags", tags), zap.Error(err))
			return
		}
		if err := d.provider.PurgeTags(ctx, tags); err != nil {
			d.log.Warn("cache purge failed", zap.Strings("tags", tags), zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled purge has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
