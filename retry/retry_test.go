package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dverity/rostersync/directory"
)

func testPolicy(sleeps *[]time.Duration) Policy {
	p := New(3, time.Second, 2.0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return p
}

func throttled(op string) error {
	return directory.NewCallError(op, directory.CodeThrottling, fmt.Errorf("slow down"))
}

func TestDoSucceedsAfterThrottles(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	err := p.Do(context.Background(), "CreateUser", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return throttled("CreateUser")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestDoFailsFastOnTerminalError(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	err := p.Do(context.Background(), "CreateUser", func(ctx context.Context) error {
		calls++
		return directory.NewCallError("CreateUser", directory.CodeValidation, fmt.Errorf("bad email"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
	assert.Empty(t, sleeps)
	assert.True(t, directory.IsTerminal(err))
	assert.False(t, errors.Is(err, ErrRateLimited))
}

func TestDoWrapsExhaustedThrottle(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	err := p.Do(context.Background(), "ListUsers", func(ctx context.Context) error {
		calls++
		return throttled("ListUsers")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2, "no sleep after the final attempt")
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.True(t, directory.IsThrottled(err), "classified cause must stay reachable")
}

func TestDoRetriesUnknownErrorsWithoutRateLimitMark(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	err := p.Do(context.Background(), "UpdateUser", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "unknown errors retry on the throttle schedule")
	assert.False(t, errors.Is(err, ErrRateLimited), "only throttles count as rate limiting")
}

func TestDoStopsWhenBackoffInterrupted(t *testing.T) {
	p := New(3, time.Second, 2.0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	calls := 0
	err := p.Do(context.Background(), "ListUsers", func(ctx context.Context) error {
		calls++
		return throttled("ListUsers")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, context.Canceled))
}

type recordingSink struct {
	ops       []string
	successes []bool
}

func (r *recordingSink) RecordAPICall(op string, success bool, elapsed time.Duration) {
	r.ops = append(r.ops, op)
	r.successes = append(r.successes, success)
}

func TestDoRecordsEveryAttempt(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)
	sink := &recordingSink{}
	p.Recorder = sink

	calls := 0
	err := p.Do(context.Background(), "GetUserByUsername", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return throttled("GetUserByUsername")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"GetUserByUsername", "GetUserByUsername"}, sink.ops)
	assert.Equal(t, []bool{false, true}, sink.successes)
}
