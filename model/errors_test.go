package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	if got := NewNotFoundError("table groceries").Error(); got != "NOT_FOUND: table groceries" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorEnvelope_matchesByCode(t *testing.T) {
	err := fmt.Errorf("drag start: %w", NewReconcilingError())

	if !errors.Is(err, &ErrorEnvelope{Code: ErrReconciling}) {
		t.Error("errors.Is did not match on code")
	}
	if errors.Is(err, &ErrorEnvelope{Code: ErrInvalidDrag}) {
		t.Error("errors.Is matched a different code")
	}

	var env *ErrorEnvelope
	if !errors.As(err, &env) || env.Message == "" {
		t.Errorf("errors.As = %+v", env)
	}
}

func TestNewReorderPersistError(t *testing.T) {
	e := NewReorderPersistError(1, 3, []FieldError{{Field: "S02", Code: ErrBackendUnavailable, Message: "503"}})
	if e.Code != ErrReorderPersistFailed || e.Message != "1 of 3 row positions could not be saved" {
		t.Errorf("got %q %q", e.Code, e.Message)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "S02" {
		t.Errorf("Details = %+v", e.Details)
	}
}

func TestConstructors(t *testing.T) {
	cases := map[string]*ErrorEnvelope{
		ErrBadRequest:         NewBadRequestError("x"),
		ErrUnauthorized:       NewUnauthorizedError("x"),
		ErrForbidden:          NewForbiddenError("x"),
		ErrConflict:           NewConflictError("x"),
		ErrInvalidTransition:  NewInvalidTransitionError("x"),
		ErrInvalidDrag:        NewInvalidDragError("x"),
		ErrValidationError:    NewValidationError(nil),
		ErrTableNotLoaded:     NewTableNotLoadedError(),
		ErrInternalError:      NewInternalError(),
		ErrBackendUnavailable: NewBackendUnavailableError(),
		ErrBackendTimeout:     NewBackendTimeoutError(),
		ErrRateLimited:        NewRateLimitedError(),
	}
	for code, e := range cases {
		if e.Code != code || e.Message == "" {
			t.Errorf("%s: got %+v", code, e)
		}
	}
}
