// Package executor applies independent directory operations through a
// bounded worker pool with run-wide rate-limit degradation: once any
// worker reports an exhausted throttle, no further concurrent submissions
// happen and the remaining items drain through a serial tail.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dverity/rostersync/ops"
	"dverity/rostersync/retry"
)

// Reporter is the optional progress side channel. Implementations decide
// how to render; the pool guarantees calls arrive at a bounded rate.
type Reporter interface {
	Update(done, total int)
	Finish()
}

// Worker processes one item. All business failures must be folded into the
// OperationResult; the error return exists only so the pool can see
// classified rate-limit exhaustion and degrade.
type Worker[T any] func(ctx context.Context, item T) (ops.OperationResult, error)

// RateLimitState is the single write-shared structure of a pool run.
// Once tripped it stays tripped for the remainder of the run.
type RateLimitState struct {
	mu      sync.Mutex
	tripped bool
}

func (s *RateLimitState) Trip() {
	s.mu.Lock()
	s.tripped = true
	s.mu.Unlock()
}

func (s *RateLimitState) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

// Pool is a reusable executor configuration. Each Apply call owns its own
// rate-limit state; degradation never leaks between runs.
type Pool struct {
	Workers          int           // bounded 1..10
	Timeout          time.Duration // per-item deadline
	ProgressInterval time.Duration // minimum gap between Reporter updates
	Logger           *slog.Logger
	Reporter         Reporter
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// Apply runs worker over every item. Concurrent results complete in any
// order; after degradation the serial tail preserves input order. The
// batch always completes: timeouts and failures become failed results,
// never aborts.
func Apply[T any](ctx context.Context, p *Pool, items []T, targetOf func(T) string, worker Worker[T]) ops.BatchResult {
	workers := clampWorkers(p.Workers)
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	total := len(items)
	state := &RateLimitState{}
	progress := newProgressGate(p.Reporter, p.ProgressInterval, total)

	var (
		resultMu sync.Mutex
		results  []ops.OperationResult
		wg       sync.WaitGroup
	)

	slots := make(chan struct{}, workers)
	submitted := 0

	// Submitting: dispatch up to the worker limit until a throttle trips
	// the shared state.
	for _, item := range items {
		if state.Tripped() {
			break
		}
		slots <- struct{}{}
		if state.Tripped() {
			// A worker tripped while we were blocked on a slot.
			<-slots
			break
		}
		submitted++
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-slots }()
			res := runOne(ctx, timeout, item, targetOf, worker, state, p.Logger)
			resultMu.Lock()
			results = append(results, res)
			done := len(results)
			resultMu.Unlock()
			progress.update(done)
		}(item)
	}

	// Draining: wait for everything in flight before the serial tail so
	// degraded runs never have two operations in flight at once.
	wg.Wait()

	if remaining := items[submitted:]; len(remaining) > 0 {
		if p.Logger != nil {
			p.Logger.Warn("rate limit degradation active, processing serially",
				"remaining", len(remaining))
		}
		for _, item := range remaining {
			res := runOne(ctx, timeout, item, targetOf, worker, state, p.Logger)
			results = append(results, res)
			progress.update(len(results))
		}
	}

	progress.finish()

	batch := ops.BatchResult{Total: total, Results: results}
	for _, r := range results {
		if r.Success {
			batch.Successful++
		} else {
			batch.Failed++
		}
	}
	return batch
}

// runOne wraps a single worker call with the per-item deadline. On timeout
// the item is recorded as failed; the underlying remote call is not
// force-killed, which is acceptable because operations are
// idempotence-checked before being issued.
func runOne[T any](ctx context.Context, timeout time.Duration, item T, targetOf func(T) string, worker Worker[T], state *RateLimitState, logger *slog.Logger) ops.OperationResult {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res ops.OperationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := worker(itemCtx, item)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, retry.ErrRateLimited) {
			if logger != nil {
				logger.Warn("worker exhausted rate-limit retries, degrading run",
					"target", targetOf(item))
			}
			state.Trip()
		}
		return out.res
	case <-itemCtx.Done():
		target := targetOf(item)
		if logger != nil {
			logger.Error("operation timed out", "target", target, "timeout", timeout)
		}
		return ops.OperationResult{
			Kind:      ops.KindProcess,
			Target:    target,
			Success:   false,
			Message:   fmt.Sprintf("operation timed out after %s", timeout),
			Timestamp: time.Now(),
		}
	}
}

// progressGate rate-limits Reporter updates so the UI refresh cost stays
// independent of the worker count.
type progressGate struct {
	mu       sync.Mutex
	reporter Reporter
	interval time.Duration
	total    int
	last     time.Time
}

func newProgressGate(r Reporter, interval time.Duration, total int) *progressGate {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &progressGate{reporter: r, interval: interval, total: total}
}

func (g *progressGate) update(done int) {
	if g.reporter == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if done < g.total && now.Sub(g.last) < g.interval {
		return
	}
	g.last = now
	g.reporter.Update(done, g.total)
}

func (g *progressGate) finish() {
	if g.reporter == nil {
		return
	}
	g.reporter.Finish()
}
