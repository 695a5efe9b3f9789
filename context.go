package bastion

import "context"

type contextKey int

const (
	ctxKeySourceAddress contextKey = iota
	ctxKeyScope
	ctxKeySubject
)

// WithSourceAddress returns a context carrying the caller's network
// address. Checks use it for source blocking and denial events.
func WithSourceAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ctxKeySourceAddress, addr)
}

// SourceAddressFromContext returns the address set by WithSourceAddress.
func SourceAddressFromContext(ctx context.Context) string {
	v, ok := ctx.Value(ctxKeySourceAddress).(string)
	if !ok {
		return ""
	}
	return v
}

// WithScope returns a context carrying a default check scope. It applies to
// checks whose request has NoScope.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, ctxKeyScope, scope)
}

func scopeValueFromContext(ctx context.Context) string {
	v, ok := ctx.Value(ctxKeyScope).(string)
	if !ok {
		return ""
	}
	return v
}

// WithSubject returns a context carrying the authenticated subject.
// Authentication layers set it; authorization middleware reads it.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, ctxKeySubject, s)
}

// SubjectFromContext returns the subject set by WithSubject.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(ctxKeySubject).(Subject)
	return s, ok
}
