package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the request's client address without port. It relies on
// chi's RealIP having already rewritten RemoteAddr behind a proxy.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}
