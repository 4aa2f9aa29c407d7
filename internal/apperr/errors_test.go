package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPIError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("list conversations: %w", &APIError{StatusCode: 404, Message: "conversation not found"})
	require.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 404, apiErr.StatusCode)
	require.False(t, apiErr.Retryable())
}

func TestAPIError_Retryable(t *testing.T) {
	require.True(t, (&APIError{StatusCode: 502}).Retryable())
	require.True(t, (&APIError{StatusCode: 429}).Retryable())
	require.False(t, (&APIError{StatusCode: 401}).Retryable())
	require.ErrorIs(t, &APIError{StatusCode: 401}, ErrUnauthorized)
	require.ErrorIs(t, &APIError{StatusCode: 500}, ErrInternal)
}
