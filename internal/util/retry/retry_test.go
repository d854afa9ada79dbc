package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithInitialDelay(time.Millisecond), WithMaxAttempts(5))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	t.Parallel()
	calls := 0
	sentinel := errors.New("bad config")
	err := Do(context.Background(), func() error {
		calls++
		return Fatal(sentinel)
	}, WithInitialDelay(time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnClassifiedPermanent(t *testing.T) {
	t.Parallel()
	calls := 0
	sentinel := errors.New("quota exceeded")
	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	},
		WithInitialDelay(time.Millisecond),
		WithPermanent(func(err error) bool { return errors.Is(err, sentinel) }),
	)
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("always failing")
	}, WithInitialDelay(time.Millisecond), WithMaxAttempts(3))
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error {
		return errors.New("transient")
	}, WithInitialDelay(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
