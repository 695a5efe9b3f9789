package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/xraph/bastion"
)

// SourceAddress stores the caller's address in the request context. The
// first X-Forwarded-For hop wins over the connection address.
func SourceAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := bastion.WithSourceAddress(r.Context(), clientAddr(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
