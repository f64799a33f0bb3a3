// Package retry applies bounded exponential backoff to remote calls,
// classifying each failure through the directory error taxonomy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dverity/rostersync/directory"
)

// ErrRateLimited marks a call that kept hitting throttling responses until
// the attempt budget ran out.
var ErrRateLimited = errors.New("rate limit retries exhausted")

// Recorder receives the outcome and latency of every attempted call.
type Recorder interface {
	RecordAPICall(op string, success bool, elapsed time.Duration)
}

// Policy is the retry configuration wrapped around every gateway call.
// Terminal failures return immediately; throttled and unknown failures
// retry on the same backoff schedule (delay = initial * factor^attempt).
// Treating unknown failures as transient is deliberate: over the life of
// this tool transient faults have dominated genuine bugs by a wide margin.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64

	Logger   *slog.Logger
	Recorder Recorder

	// Sleep is swappable so tests can count backoffs without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Policy with the given budget and the default sleeper.
func New(maxAttempts int, initialDelay time.Duration, backoffFactor float64, logger *slog.Logger) Policy {
	return Policy{
		MaxAttempts:   maxAttempts,
		InitialDelay:  initialDelay,
		BackoffFactor: backoffFactor,
		Logger:        logger,
		Sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn under the policy. The returned error is fn's classified error,
// wrapped in ErrRateLimited when a throttle survived every attempt.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		if p.Recorder != nil {
			p.Recorder.RecordAPICall(op, err == nil, time.Since(start))
		}
		if err == nil {
			return nil
		}
		lastErr = err

		kind := directory.KindOf(err)
		if kind == directory.KindTerminal {
			return err
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.backoffDelay(attempt)
		if p.Logger != nil {
			p.Logger.Warn("remote call failed, backing off",
				"op", op,
				"kind", kind.String(),
				"attempt", attempt+1,
				"max_attempts", p.MaxAttempts,
				"delay", delay,
				"err", err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: backoff interrupted: %w", op, serr)
		}
	}

	if directory.IsThrottled(lastErr) {
		return fmt.Errorf("%s after %d attempts: %w: %w", op, p.MaxAttempts, ErrRateLimited, lastErr)
	}
	return fmt.Errorf("%s after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

func (p Policy) backoffDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffFactor
	}
	return time.Duration(delay)
}
