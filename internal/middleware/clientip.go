package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// UnknownClient is returned when no client address can be determined.
const UnknownClient = "unknown"

// ClientIdentifier returns the best-effort client address for r. Proxy
// headers are consulted in order: the first X-Forwarded-For hop, then
// X-Real-IP, then CF-Connecting-IP. The connection's remote address is the
// last resort.
//
// The headers are client-controlled unless a trusted proxy overwrites them,
// so the result must not be used for authorization.
func ClientIdentifier(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	for _, h := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return UnknownClient
}

// IdentifierExtractor adapts ClientIdentifier for echo's rate limiter.
func IdentifierExtractor(c echo.Context) (string, error) {
	return ClientIdentifier(c.Request()), nil
}
