// Package limiter blocks peers that keep submitting malformed events.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks malformed submissions per peer and places temporary blocks.
type Limiter interface {
	// Allow reports whether the peer may submit now and, if not, when to retry.
	Allow(ctx context.Context, peer string) (bool, time.Duration, error)
	// Success clears the failure counter after a fully valid submission.
	Success(ctx context.Context, peer string) error
	// Failure records a malformed submission; may place a temporary block.
	Failure(ctx context.Context, peer string) (bool, time.Duration, error)
}

// Nop never blocks.
type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, time.Duration, error)   { return true, 0, nil }
func (Nop) Success(context.Context, string) error                        { return nil }
func (Nop) Failure(context.Context, string) (bool, time.Duration, error) { return false, 0, nil }
