package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("bad request")

func instant(attempts int) Policy {
	return Policy{Attempts: attempts}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), instant(3), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), instant(3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &StatusError{Code: 503}
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), instant(5), func(context.Context) (int, error) {
		calls++
		return 0, errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), instant(4), func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{Code: 500}
	})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 4, calls)
}

func TestDoHonorsCancellationBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{Attempts: 10, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{Code: 502}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoRejectsInvalidPolicy(t *testing.T) {
	_, err := Do(context.Background(), Policy{Attempts: 0}, func(context.Context) (int, error) { return 0, nil })
	require.Error(t, err)
}

func TestCustomRetryable(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 3, Retryable: func(err error) bool { return errors.Is(err, errPermanent) }}
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	require.Equal(t, 3, calls)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 500", &StatusError{Code: 500}, true},
		{"status 503 wrapped", errors.Join(errors.New("insert"), &StatusError{Code: 503}), true},
		{"status 400", &StatusError{Code: 400}, false},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errPermanent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
