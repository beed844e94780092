package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForNilConditionFailsImmediately(t *testing.T) {
	start := time.Now()
	err := WaitFor(context.Background(), nil, Options{})
	assert.Equal(t, ErrNotAFunction, err)
	assert.Less(t, int64(time.Since(start)), int64(time.Millisecond*50))
}

func TestWaitForConditionAlreadyTrue(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), func() bool { calls++; return true }, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWaitForConditionBecomesTrue(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), func() bool {
		calls++
		return calls >= 3
	}, Options{CheckInterval: time.Millisecond * 5, Retries: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitForTimesOut(t *testing.T) {
	err := WaitFor(context.Background(), func() bool { return false },
		Options{CheckInterval: time.Millisecond * 5, Retries: 3})
	var timeout TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, time.Millisecond*15+time.Microsecond*500, timeout.Waited)
}

func TestWaitForStopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitFor(ctx, func() bool { return false }, Options{CheckInterval: time.Hour})
	assert.Equal(t, context.Canceled, err)
}

func TestDelay(t *testing.T) {
	start := time.Now()
	require.NoError(t, Delay(context.Background(), time.Millisecond*20))
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(time.Millisecond*20))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, Delay(ctx, time.Hour))
}
