package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond}
}

func TestRetryRead_NeverVisibleStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	result, err := RetryRead(context.Background(), fastPolicy(4), func(ctx context.Context) ([]string, error) {
		calls++
		return nil, nil
	})

	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Equal(t, 4, calls)
}

func TestRetryRead_ReturnsOnAttemptK(t *testing.T) {
	calls := 0
	result, err := RetryRead(context.Background(), fastPolicy(5), func(ctx context.Context) ([]string, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		return []string{"1::abc"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"1::abc"}, result)
	assert.Equal(t, 3, calls)
}

func TestRetryRead_FirstHitDoesNotWait(t *testing.T) {
	start := time.Now()
	result, err := RetryRead(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Hour}, func(ctx context.Context) ([]int, error) {
		return []int{7}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{7}, result)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryRead_DelayDoubles(t *testing.T) {
	var stamps []time.Time
	_, err := RetryRead(context.Background(), Policy{MaxAttempts: 3, InitialDelay: 20 * time.Millisecond}, func(ctx context.Context) ([]int, error) {
		stamps = append(stamps, time.Now())
		return nil, nil
	})

	require.NoError(t, err)
	require.Len(t, stamps, 3)
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, 40*time.Millisecond)
}

func TestRetryRead_ZeroAttemptsStillReadsOnce(t *testing.T) {
	calls := 0
	_, err := RetryRead(context.Background(), fastPolicy(0), func(ctx context.Context) ([]int, error) {
		calls++
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRead_QueryErrorStopsImmediately(t *testing.T) {
	boom := errors.New("read store down")
	calls := 0
	_, err := RetryRead(context.Background(), fastPolicy(5), func(ctx context.Context) ([]int, error) {
		calls++
		return nil, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryRead_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryRead(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour}, func(ctx context.Context) ([]int, error) {
		calls++
		cancel()
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryFind(t *testing.T) {
	calls := 0
	v, err := RetryFind(context.Background(), fastPolicy(3), func(ctx context.Context) (*string, error) {
		calls++
		if calls == 2 {
			s := "found"
			return &s, nil
		}
		return nil, nil
	})

	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "found", *v)

	missing, err := RetryFind(context.Background(), fastPolicy(2), func(ctx context.Context) (*string, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, missing)
}
