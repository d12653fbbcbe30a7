package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"carbonmarket/apperr"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{name: "validation", err: apperr.Validation("bad %s", "input"), want: apperr.KindValidation},
		{name: "wrapped sentinel", err: fmt.Errorf("purchase: %w", apperr.ErrInvalidCredential), want: apperr.KindAuthorization},
		{name: "bare not found", err: fmt.Errorf("listing 1: %w", apperr.ErrNotFound), want: apperr.KindNotFound},
		{name: "plain error", err: errors.New("boom"), want: apperr.KindInternal},
		{name: "nil", err: nil, want: apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, apperr.KindOf(tt.err))
		})
	}
}

func TestMessage_HidesPersistenceDetail(t *testing.T) {
	err := apperr.Persistence(errors.New("pq: connection refused"), "debit buyer")
	require.Equal(t, "internal error", apperr.Message(err))
	require.Contains(t, err.Error(), "connection refused")

	err = apperr.New(apperr.KindInsufficientFunds, "insufficient funds: required %d, available %d", 300, 200)
	require.Equal(t, "insufficient funds: required 300, available 200", apperr.Message(err))
}

func TestNotFound_IsErrNotFound(t *testing.T) {
	err := apperr.NotFound("listing %s not found", "abc")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Equal(t, "listing abc not found", apperr.Message(err))
}
