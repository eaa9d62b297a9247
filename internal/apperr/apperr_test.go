package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{E(ErrNotFound, "contract not found"), http.StatusNotFound},
		{E(ErrForbidden, "only the client"), http.StatusForbidden},
		{E(ErrBadRequest, "amount must be positive"), http.StatusBadRequest},
		{Ef(ErrInvalidState, "contract is %s", "draft"), http.StatusConflict},
		{ErrAlreadyFunded, http.StatusConflict},
		{ErrAlreadyPaid, http.StatusConflict},
		{ErrNoFundedEscrow, http.StatusConflict},
		{errors.New("pool exhausted"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := Status(c.err); got != c.want {
			t.Errorf("Status(%v): got %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWrappingKeepsSentinel(t *testing.T) {
	err := Ef(ErrInvalidState, "milestone is %s", "approved")
	if !errors.Is(err, ErrInvalidState) {
		t.Error("Ef should preserve errors.Is matching")
	}
	if err.Error() != "invalid state: milestone is approved" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}
