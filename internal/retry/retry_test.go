package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDelayIsExponentialAndCapped(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 40*time.Millisecond, p.Delay(3))
	assert.Equal(t, 50*time.Millisecond, p.Delay(4))
	assert.Equal(t, 50*time.Millisecond, p.Delay(20))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var calls int
	var retries []int
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
		OnRetry: func(attempt int, err error, d time.Duration) { retries = append(retries, attempt) }}
	n, err := Do(context.Background(), p, isTransient, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	n, err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, isTransient,
		func(ctx context.Context, attempt int) error { return errFatal })
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, n)
}

func TestDoExhaustsBudget(t *testing.T) {
	n, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil,
		func(ctx context.Context, attempt int) error { return errTransient })
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, n)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, Policy{MaxAttempts: 100, BaseDelay: time.Hour}, nil, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPoll(t *testing.T) {
	var n int
	err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		n++
		return n >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = Poll(context.Background(), time.Millisecond, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)

	err = Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, errFatal
	})
	assert.ErrorIs(t, err, errFatal)
}
