package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/legacy-reconcile/internal/service"
)

var fast = service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestWithRetry(t *testing.T) {
	t.Run("succeeds after busy attempts", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("insert: %w", ErrStoreBusy)
			}
			return nil
		}, fast)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			return ErrStoreBusy
		}, fast)
		require.ErrorIs(t, err, ErrMaxRetries)
		assert.ErrorIs(t, err, ErrStoreBusy)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), func() error {
			calls++
			return ErrLegacyIDConflict
		}, fast)
		require.ErrorIs(t, err, ErrLegacyIDConflict)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WithRetry(ctx, func() error { return ErrStoreBusy }, fast)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrStoreBusy)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&RetryableError{Err: errors.New("flaky"), Retryable: true}))
	assert.False(t, IsRetryable(&RetryableError{Err: errors.New("bad row"), Retryable: false}))
	assert.False(t, IsRetryable(ErrNotFound))
}

func TestUserError(t *testing.T) {
	err := NewUserError("cannot open the live store", ErrStoreUnavailable)
	assert.Equal(t, "cannot open the live store: live store unavailable", err.Error())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSetupLoggerTo(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	require.NoError(t, SetupLoggerTo(&buf, level, "json"))

	LogInfo("hidden", Fields{"entity": "customer"})
	LogError(errors.New("boom"), "Failed to apply legacy record", Fields{"legacy_id": "5"})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"legacy_id":"5"`)
	assert.Contains(t, out, `"error":"boom"`)

	assert.Error(t, SetupLoggerTo(&buf, level, "xml"))
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
