package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Do_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	}, 3, time.Millisecond, 1.0)

	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func Test_Do_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 3, time.Millisecond, 2.0)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func Test_Do_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), func() error {
		calls++
		return boom
	}, 3, time.Millisecond, 1.0)

	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func Test_Do_ContextCancelStopsSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, 5, 50*time.Millisecond, 1.0)

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func Test_Do_CoercesAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("always")
	}, 0, time.Millisecond, 1.0)

	require.Error(t, err)
	require.Equal(t, 1, calls)
}
