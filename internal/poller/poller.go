// Package poller provides a bounded polling loop: a fixed interval, a
// terminal-state predicate and an absolute maximum duration.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrDeadline is returned by Run when MaxDuration elapsed before Done
// reported a terminal result.
var ErrDeadline = errors.New("poller: deadline reached")

// Poller calls Poll every Interval until Done returns true, the context is
// cancelled or MaxDuration has elapsed. The first poll runs immediately.
type Poller[T any] struct {
	Interval    time.Duration
	MaxDuration time.Duration

	Poll func(ctx context.Context) (T, error)
	// Done reports whether result is terminal. Nil means never.
	Done func(result T) bool
	// OnResult is called after every successful poll, before Done.
	OnResult func(result T)
	// OnError is called for failed polls. Errors never stop the loop.
	OnError func(err error)
}

// Run polls until a terminal result, returning it with a nil error. When the
// loop is stopped early it returns the last successful result together with
// ErrDeadline or the context error.
func (p *Poller[T]) Run(ctx context.Context) (T, error) {
	var last T
	if p.Poll == nil {
		return last, errors.New("poller: Poll is nil")
	}
	if p.Interval <= 0 {
		return last, fmt.Errorf("poller: invalid interval %s", p.Interval)
	}

	runCtx := ctx
	if p.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.MaxDuration)
		defer cancel()
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		result, err := p.Poll(runCtx)
		switch {
		case err != nil && runCtx.Err() != nil:
			// The poll was cut short by the bound itself; not a poll failure.
		case err != nil:
			if p.OnError != nil {
				p.OnError(err)
			} else {
				slog.Debug("poll failed", "error", err)
			}
		default:
			last = result
			if p.OnResult != nil {
				p.OnResult(result)
			}
			if p.Done != nil && p.Done(result) {
				return last, nil
			}
		}

		select {
		case <-runCtx.Done():
			return last, p.stopReason(ctx)
		case <-ticker.C:
		}
	}
}

func (p *Poller[T]) stopReason(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrDeadline
}
