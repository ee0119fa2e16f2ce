package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a controllable clock so open/close timing is deterministic.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock               { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }
func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

var errStore = errors.New("store down")

func testBreaker(t *testing.T, cfg Config, fc *fakeClock, opts ...Option) *Breaker {
	t.Helper()
	opts = append(opts, WithClock(fc.Now))
	b, err := New("test-store", cfg, opts...)
	require.NoError(t, err)
	return b
}

func fail(context.Context) error { return errStore }
func ok(context.Context) error   { return nil }

func TestClosedToOpenAfterThresholdFailures(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second, MonitoringPeriod: time.Minute}, fc)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errStore)
		require.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errStore)
	require.Equal(t, StateOpen, b.State())

	// Open: the operation must never run.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called)
}

func TestOpenAllowsProbeAfterTimeout(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second, MonitoringPeriod: time.Minute}, fc)

	ctx := context.Background()
	require.ErrorIs(t, b.Execute(ctx, fail), errStore)
	require.Equal(t, StateOpen, b.State())

	fc.Advance(1100 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second, MonitoringPeriod: time.Minute}, fc)

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	fc.Advance(2 * time.Second)

	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	require.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	require.Zero(t, snap.Failures)
	require.Zero(t, snap.Successes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second, MonitoringPeriod: time.Minute}, fc)

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	fc.Advance(2 * time.Second)

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	// lastFailureTime was reset; a call inside the new cooldown is rejected.
	fc.Advance(500 * time.Millisecond)
	require.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
}

func TestMonitoringWindowPrunesOldFailures(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second, MonitoringPeriod: 10 * time.Second}, fc)

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	// Old failures age out of the window, so the third does not trip it.
	fc.Advance(11 * time.Second)
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateClosed, b.State())
}

func TestSuccessResetsClosedFailureCount(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, MonitoringPeriod: time.Minute}, fc)

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateClosed, b.State())
}

func TestManualControls(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, DefaultConfig(), fc)

	b.ForceOpen()
	require.Equal(t, StateOpen, b.State())

	b.ForceClose()
	require.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Execute(context.Background(), ok))
	b.Reset()
	snap := b.Snapshot()
	require.Zero(t, snap.TotalRequests)
	require.Zero(t, snap.TotalSuccesses)
}

func TestTransitionCallback(t *testing.T) {
	fc := newFakeClock()
	var got []State
	b := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, MonitoringPeriod: time.Minute}, fc,
		WithTransitionFunc(func(name string, from, to State) {
			require.Equal(t, "test-store", name)
			got = append(got, to)
		}))

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	fc.Advance(2 * time.Second)
	require.NoError(t, b.Execute(ctx, ok))

	require.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, got)
}

func TestDoReturnsValueAndBreakerError(t *testing.T) {
	fc := newFakeClock()
	b := testBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MonitoringPeriod: time.Minute}, fc)

	ctx := context.Background()
	v, err := Do(ctx, b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)

	_, err = Do(ctx, b, func(context.Context) (int, error) { return 0, errStore })
	require.ErrorIs(t, err, errStore)

	_, err = Do(ctx, b, func(context.Context) (int, error) { return 7, nil })
	require.ErrorIs(t, err, ErrOpen)
}

func TestRegistryLazyCreateAndHealth(t *testing.T) {
	r, err := NewRegistry(DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, float64(100), r.Health())

	a := r.Get("auctions")
	require.Same(t, a, r.Get("auctions"))

	ctx := context.Background()
	require.NoError(t, a.Execute(ctx, ok))
	require.Error(t, a.Execute(ctx, fail))
	require.InDelta(t, 50, r.Health(), 0.001)

	// An idle breaker counts as fully healthy.
	r.Get("candidates")
	require.InDelta(t, 75, r.Health(), 0.001)

	require.Len(t, r.Snapshots(), 2)
}
