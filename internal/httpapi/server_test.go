package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

func TestStatusForError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{loyalty.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{loyalty.ErrConfiguration, http.StatusUnprocessableEntity},
		{loyalty.ErrInsufficientPoints, http.StatusConflict},
		{loyalty.ErrLockHeld, http.StatusConflict},
		{loyalty.ErrCustomerIneligible, http.StatusForbidden},
		{loyalty.ErrAuthFailure, http.StatusUnauthorized},
		{loyalty.ErrRemoteService, http.StatusBadGateway},
		{loyalty.ErrUnknownRedemption, http.StatusNotFound},
		{loyalty.ErrUnknownOrder, http.StatusNotFound},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, testCase := range cases {
		if got := statusForError(testCase.err); got != testCase.want {
			t.Fatalf("error %v: expected %d, got %d", testCase.err, testCase.want, got)
		}
	}
}

func TestStatusForWrappedErrors(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("issue failed: %w", loyalty.ErrInsufficientPoints)
	if got := statusForError(wrapped); got != http.StatusConflict {
		t.Fatalf("expected wrapped sentinel to map to 409, got %d", got)
	}
	doubly := loyalty.WrapError("issue_redemption", "store", "debit", loyalty.ErrInsufficientPoints)
	if got := statusForError(doubly); got != http.StatusConflict {
		t.Fatalf("expected operation-wrapped sentinel to map to 409, got %d", got)
	}
}
