package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusCoversTaxonomy(t *testing.T) {
	for code := range statusByCode {
		require.NotZero(t, HTTPStatus(code), code)
	}
	require.Equal(t, http.StatusPaymentRequired, HTTPStatus(CodePaymentProofInvalid))
	require.Equal(t, http.StatusGatewayTimeout, HTTPStatus(CodeSellerTimeout))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(CodeChallengeExpired))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(Code("bogus")))
}

func TestAsThroughWrapping(t *testing.T) {
	base := WithReason(CodeOwnershipProofInvalid, "ownership proof rejected", "calldata mismatch").
		WithDetail("expected", "0xabc")
	wrapped := fmt.Errorf("register: %w", base)

	typed, ok := As(wrapped)
	require.True(t, ok)
	require.Same(t, base, typed)
	require.Equal(t, CodeOwnershipProofInvalid, CodeOf(wrapped))
	require.Equal(t, "0xabc", typed.Details["expected"])
	require.Equal(t, "ownership proof rejected: calldata mismatch", base.Error())

	require.Equal(t, CodeInternal, CodeOf(context.Canceled))
	_, ok = As(context.Canceled)
	require.False(t, ok)
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(CodeUpstreamUnavailable, "registry lookup failed", context.DeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "registry lookup failed: context deadline exceeded", err.Error())
	require.ErrorIs(t, Internal(context.Canceled), context.Canceled)
}
