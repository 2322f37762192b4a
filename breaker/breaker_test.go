package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote unavailable")

func newTestBreaker(threshold uint32, recovery time.Duration) *Breaker {
	return New(Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: 1,
	})
}

func failing(calls *atomic.Int32) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errRemote
	}
}

func succeeding(calls *atomic.Int32, v int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestExecuteSuccess(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	var calls atomic.Int32

	res := Execute(context.Background(), b, "fetch:attendees", succeeding(&calls, 42), nil)
	require.True(t, res.Success)
	require.Equal(t, 42, res.Data)
	require.NoError(t, res.Err)
	require.False(t, res.FromFallback)

	st, ok := b.State("fetch:attendees")
	require.True(t, ok)
	require.Equal(t, StateClosed, st.State)
}

func TestOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	for range 3 {
		res := Execute(ctx, b, "k", failing(&calls), nil)
		require.False(t, res.Success)
		require.ErrorIs(t, res.Err, errRemote)
	}
	require.EqualValues(t, 3, calls.Load())

	res := Execute(ctx, b, "k", failing(&calls), nil)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrCircuitOpen)
	require.Contains(t, res.Err.Error(), "Circuit OPEN")
	require.EqualValues(t, 3, calls.Load(), "operation must not run while open")
	require.False(t, b.IsHealthy("k"))

	st, ok := b.State("k")
	require.True(t, ok)
	require.Equal(t, StateOpen, st.State)
	require.False(t, st.LastFailureTime.IsZero())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	st, _ := b.State("k")
	require.Equal(t, 2, st.FailureCount)

	Execute(ctx, b, "k", succeeding(&calls, 1), nil)
	st, _ = b.State("k")
	require.Equal(t, 0, st.FailureCount)

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	require.True(t, b.IsHealthy("k"))
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	require.False(t, b.IsHealthy("k"))

	time.Sleep(80 * time.Millisecond)

	st, _ := b.State("k")
	require.Equal(t, StateHalfOpen, st.State)

	res := Execute(ctx, b, "k", succeeding(&calls, 7), nil)
	require.True(t, res.Success)
	require.EqualValues(t, 3, calls.Load(), "probe call must run")

	st, _ = b.State("k")
	require.Equal(t, StateClosed, st.State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	time.Sleep(80 * time.Millisecond)

	res := Execute(ctx, b, "k", failing(&calls), nil)
	require.ErrorIs(t, res.Err, errRemote)

	st, _ := b.State("k")
	require.Equal(t, StateOpen, st.State)
}

func TestHalfOpenNeedsEveryProbeToSucceed(t *testing.T) {
	b := New(Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	time.Sleep(80 * time.Millisecond)

	for i := range 2 {
		res := Execute(ctx, b, "k", succeeding(&calls, i), nil)
		require.True(t, res.Success)
		st, _ := b.State("k")
		require.Equal(t, StateHalfOpen, st.State, "probe %d must not close the circuit", i+1)
	}

	res := Execute(ctx, b, "k", succeeding(&calls, 3), nil)
	require.True(t, res.Success)
	st, _ := b.State("k")
	require.Equal(t, StateClosed, st.State)
}

func TestHalfOpenRejectsCallsBeyondProbeBudget(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)
	time.Sleep(80 * time.Millisecond)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	probe := func(context.Context) (int, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	results := make([]Result[int], 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Execute(ctx, b, "k", probe, nil)
		}()
	}
	<-started
	<-started

	res := Execute(ctx, b, "k", succeeding(&calls, 9), nil)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrCircuitOpen)
	require.EqualValues(t, 3, calls.Load(), "call beyond the probe budget must not run")

	close(release)
	wg.Wait()
	for _, r := range results {
		require.True(t, r.Success)
	}
	st, _ := b.State("k")
	require.Equal(t, StateClosed, st.State)
}

func TestMonitoringPeriodForgetsStaleFailures(t *testing.T) {
	b := New(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		MonitoringPeriod: 50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	time.Sleep(80 * time.Millisecond)

	Execute(ctx, b, "k", failing(&calls), nil)
	st, _ := b.State("k")
	require.Equal(t, StateClosed, st.State, "failures outside the window must not count")
	require.Equal(t, 1, st.FailureCount)

	Execute(ctx, b, "k", failing(&calls), nil)
	Execute(ctx, b, "k", failing(&calls), nil)
	st, _ = b.State("k")
	require.Equal(t, StateOpen, st.State)
}

func TestFallbackWhenOpen(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "k", failing(&calls), nil)

	var cause error
	res := Execute(ctx, b, "k", failing(&calls), func(_ context.Context, err error) (int, error) {
		cause = err
		return 99, nil
	})
	require.True(t, res.Success)
	require.True(t, res.FromFallback)
	require.Equal(t, 99, res.Data)
	require.ErrorIs(t, cause, ErrCircuitOpen)
	require.EqualValues(t, 1, calls.Load())
}

func TestFallbackOnFailure(t *testing.T) {
	b := newTestBreaker(5, time.Minute)
	var calls atomic.Int32

	res := Execute(context.Background(), b, "k", failing(&calls), func(_ context.Context, err error) (int, error) {
		return -1, nil
	})
	require.True(t, res.Success)
	require.True(t, res.FromFallback)
	require.ErrorIs(t, res.Err, errRemote)
}

func TestFallbackFailure(t *testing.T) {
	b := newTestBreaker(5, time.Minute)
	var calls atomic.Int32
	errNoCache := errors.New("no cached copy")

	res := Execute(context.Background(), b, "k", failing(&calls), func(context.Context, error) (int, error) {
		return 0, errNoCache
	})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, errRemote)
	require.ErrorIs(t, res.Err, errNoCache)
}

func TestPanicIsFailure(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	res := Execute(context.Background(), b, "k", func(context.Context) (int, error) {
		panic("boom")
	}, nil)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrPanic)
	require.False(t, b.IsHealthy("k"))
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, CallTimeout: 20 * time.Millisecond})

	res := Execute(context.Background(), b, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	}, nil)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.False(t, b.IsHealthy("slow"))
}

func TestCanceledContextCountsAsFailure(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	res := Execute(ctx, b, "k", succeeding(&calls, 1), nil)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Zero(t, calls.Load())
}

func TestKeysAreIndependent(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "fetch:attendees", failing(&calls), nil)
	require.False(t, b.IsHealthy("fetch:attendees"))
	require.True(t, b.IsHealthy("fetch:sponsors"))

	res := Execute(ctx, b, "fetch:sponsors", succeeding(&calls, 1), nil)
	require.True(t, res.Success)
	require.Equal(t, []string{"fetch:attendees", "fetch:sponsors"}, b.Keys())
	require.Len(t, b.States(), 2)
}

func TestReset(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	Execute(ctx, b, "a", failing(&calls), nil)
	Execute(ctx, b, "b", failing(&calls), nil)

	b.Reset("a")
	_, ok := b.State("a")
	require.False(t, ok)
	require.True(t, b.IsHealthy("a"))
	require.False(t, b.IsHealthy("b"))

	b.ResetAll()
	require.Empty(t, b.Keys())
}

func TestConcurrentCallsSameKey(t *testing.T) {
	b := newTestBreaker(1000, time.Minute)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Execute(context.Background(), b, "k", failing(&calls), nil)
		}()
	}
	wg.Wait()

	st, _ := b.State("k")
	require.Equal(t, 50, st.FailureCount)
}
