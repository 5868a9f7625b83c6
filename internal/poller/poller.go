// Package poller runs bounded fixed-interval checks against chain state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted is returned when the attempt budget runs out before the check is satisfied
var ErrExhausted = errors.New("polling budget exhausted")

// Check reports whether the awaited condition holds
type Check func(ctx context.Context) (bool, error)

// Observer is notified when a poll finishes
type Observer func(name string, attempts int, satisfied bool, elapsed time.Duration)

type stopError struct{ err error }

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks a check error as permanent so polling ends immediately
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Poller evaluates a check on a fixed interval, at most MaxAttempts times.
// The first evaluation is immediate and there is no wait after the last one,
// so Until returns within Interval*MaxAttempts plus evaluation time.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int

	logger   *zap.Logger
	observer Observer
}

// New creates a poller
func New(interval time.Duration, maxAttempts int, logger *zap.Logger) *Poller {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		logger:      logger,
	}
}

// WithObserver returns a copy of the poller that reports to obs
func (p *Poller) WithObserver(obs Observer) *Poller {
	cp := *p
	cp.observer = obs
	return &cp
}

// With returns a copy with a different budget
func (p *Poller) With(interval time.Duration, maxAttempts int) *Poller {
	cp := *p
	cp.Interval = interval
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	cp.MaxAttempts = maxAttempts
	return &cp
}

// Until runs check until it returns true, the budget is exhausted, check
// returns a Stop error, or ctx is done. It returns the number of attempts made.
func (p *Poller) Until(ctx context.Context, name string, check Check) (int, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		ok, err := check(ctx)
		if err != nil {
			var stop *stopError
			if errors.As(err, &stop) {
				p.report(name, attempt, false, start)
				return attempt, stop.err
			}
			lastErr = err
			p.logger.Debug("Poll check failed",
				zap.String("poll", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else if ok {
			p.report(name, attempt, true, start)
			return attempt, nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.report(name, attempt, false, start)
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	p.report(name, p.MaxAttempts, false, start)
	p.logger.Warn("Polling budget exhausted",
		zap.String("poll", name),
		zap.Int("max_attempts", p.MaxAttempts),
		zap.Duration("interval", p.Interval))

	if lastErr != nil {
		return p.MaxAttempts, fmt.Errorf("%w after %d attempts (last error: %v)", ErrExhausted, p.MaxAttempts, lastErr)
	}
	return p.MaxAttempts, fmt.Errorf("%w after %d attempts", ErrExhausted, p.MaxAttempts)
}

func (p *Poller) report(name string, attempts int, satisfied bool, start time.Time) {
	if p.observer != nil {
		p.observer(name, attempts, satisfied, time.Since(start))
	}
}
