package pgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-twosync/twosync"
	"github.com/stretchr/testify/require"
)

func TestIsRetryablePGTxError(t *testing.T) {
	require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isRetryablePGTxError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "55P03"}))
	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("boom")))
}

func TestAsValidationError(t *testing.T) {
	verr, ok := asValidationError(fmt.Errorf("insert: %w", &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint",
		ConstraintName: "accounts_email_live_key",
	}))
	require.True(t, ok)
	require.Equal(t, "accounts_email_live_key", verr.Constraint)
	require.True(t, twosync.IsValidation(verr))

	verr, ok = asValidationError(&pgconn.PgError{Code: "23502", TableName: "accounts"})
	require.True(t, ok)
	require.Equal(t, "accounts", verr.Constraint)

	_, ok = asValidationError(&pgconn.PgError{Code: "40001"})
	require.False(t, ok)
	_, ok = asValidationError(errors.New("boom"))
	require.False(t, ok)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.True(t, isRetryablePGTxError(err))
	require.Equal(t, 3, calls)

	calls = 0
	err = withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
