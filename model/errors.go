package model

import "fmt"

// Error codes shared by every endpoint.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Error codes raised by table sessions.
const (
	ErrReconciling          = "RECONCILING"
	ErrInvalidDrag          = "INVALID_DRAG"
	ErrReorderPersistFailed = "REORDER_PERSIST_FAILED"
	ErrTableNotLoaded       = "TABLE_NOT_LOADED"
)

// ErrorEnvelope is the error value every layer returns and the JSON shape
// clients receive under "error".
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches any envelope with the same code, so callers can test
// errors.Is(err, &ErrorEnvelope{Code: ErrReconciling}).
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// FieldError points at one offending field, or one row when the field is a
// row ID.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return envelope(ErrConflict, msg) }
func NewInvalidDragError(msg string) *ErrorEnvelope  { return envelope(ErrInvalidDrag, msg) }

// NewInvalidTransitionError reports a drag gesture that arrived in a phase
// that cannot accept it.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return envelope(ErrInvalidTransition, msg)
}

// NewValidationError carries one detail per invalid field.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewReorderPersistError carries one detail per row whose position was not
// saved.
func NewReorderPersistError(failed, attempted int, details []FieldError) *ErrorEnvelope {
	e := envelope(ErrReorderPersistFailed, fmt.Sprintf("%d of %d row positions could not be saved", failed, attempted))
	e.Details = details
	return e
}

func NewReconcilingError() *ErrorEnvelope {
	return envelope(ErrReconciling, "The table is saving a previous reorder")
}

func NewTableNotLoadedError() *ErrorEnvelope {
	return envelope(ErrTableNotLoaded, "The table has not finished loading")
}

// NewInternalError hides the cause; log it before returning this.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The backend service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The backend service did not respond in time")
}

func NewRateLimitedError() *ErrorEnvelope {
	return envelope(ErrRateLimited, "Rate limit exceeded. Please try again later.")
}
