// Package middleware provides HTTP authorization middleware for Bastion.
package middleware

import (
	"context"
	"encoding/json"

	"github.com/xraph/forge"

	"github.com/xraph/bastion"
)

// SubjectResolver returns the authenticated subject of a request.
type SubjectResolver func(ctx context.Context) (bastion.Subject, bool)

// FromContext resolves the subject placed by bastion.WithSubject. A forge
// user without a bastion subject resolves to an inactive subject, which the
// engine denies.
func FromContext(ctx context.Context) (bastion.Subject, bool) {
	if s, ok := bastion.SubjectFromContext(ctx); ok {
		return s, true
	}
	if userID := forge.UserIDFromContext(ctx); userID != "" {
		return bastion.Subject{ID: userID}, true
	}
	return bastion.Subject{}, false
}

// Check names one resource/action pair.
type Check struct {
	Resource string
	Action   string
}

// Require enforces that the request's subject may perform action on
// resource. The scope comes from the request context.
func Require(eng *bastion.Engine, resolve SubjectResolver, resource, action string) forge.Middleware {
	return RequireAll(eng, resolve, Check{Resource: resource, Action: action})
}

// RequireAny allows the request if ANY of the checks pass.
func RequireAny(eng *bastion.Engine, resolve SubjectResolver, checks ...Check) forge.Middleware {
	return middleware(eng, resolve, checks, false)
}

// RequireAll allows the request only if ALL checks pass.
func RequireAll(eng *bastion.Engine, resolve SubjectResolver, checks ...Check) forge.Middleware {
	return middleware(eng, resolve, checks, true)
}

func middleware(eng *bastion.Engine, resolve SubjectResolver, checks []Check, all bool) forge.Middleware {
	if resolve == nil {
		resolve = FromContext
	}
	return func(next forge.Handler) forge.Handler {
		return func(ctx forge.Context) error {
			subject, ok := resolve(ctx.Context())
			if !ok {
				return denyResponse(ctx)
			}
			if allowed(ctx.Context(), eng, subject, checks, all) {
				return next(ctx)
			}
			return denyResponse(ctx)
		}
	}
}

func allowed(ctx context.Context, eng *bastion.Engine, subject bastion.Subject, checks []Check, all bool) bool {
	if len(checks) == 0 {
		return false
	}
	for _, c := range checks {
		ok := eng.HasPermission(ctx, subject, c.Resource, c.Action, bastion.NoScope)
		if ok && !all {
			return true
		}
		if !ok && all {
			return false
		}
	}
	return all
}

func denyResponse(ctx forge.Context) error {
	ctx.SetHeader("Content-Type", "application/json")
	ctx.Response().WriteHeader(403)
	return json.NewEncoder(ctx.Response()).Encode(map[string]string{"error": "access denied"})
}
