package model

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// RequestContext is the verified caller of one request. Treat it as
// read-only once the middleware has built it.
type RequestContext struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	SessionID string

	// Claims and Token are the verified token, kept so backend calls can
	// forward the caller's credentials.
	Claims map[string]any
	Token  string

	CorrelationID string
	TraceID       string
	Locale        string
}

var (
	errNoSubject = errors.New("token has no subject")
	errNoTenant  = errors.New("token has no tenant")
)

// Validate reports whether the caller can own table sessions.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// SessionKey names the caller's session on tableID as tenant/subject/table.
func (rc *RequestContext) SessionKey(tableID string) string {
	return strings.Join([]string{rc.TenantID, rc.SubjectID, tableID}, "/")
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller, or nil on unauthenticated paths.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// MustRequestContext is RequestContextFrom for code that only runs behind
// authentication. It panics when the caller is missing.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rc := RequestContextFrom(ctx); rc != nil {
		return rc
	}
	panic("model: no RequestContext in context")
}
