package bastion

import (
	"context"

	"github.com/xraph/forge"
)

// scopeFromContext returns the default scope for a check. An explicit
// WithScope value wins; otherwise a forge organization scope maps to
// "org:<id>". Without either the check has NoScope.
func scopeFromContext(ctx context.Context) string {
	if s := scopeValueFromContext(ctx); s != "" {
		return s
	}
	if s, ok := forge.ScopeFrom(ctx); ok && s.OrgID() != "" {
		return "org:" + s.OrgID()
	}
	return NoScope
}
