package ratelimit

import (
	"net/http"
	"strings"
)

// Headers consulted for the client address, highest precedence first.
const (
	HeaderCDNClientIP  = "CF-Connecting-IP"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// UnknownIP is the bucket for requests that carry no address header. It is
// rate limited like any other address.
const UnknownIP = "unknown"

// ClientIP extracts the caller's address from proxy headers.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get(HeaderCDNClientIP)); ip != "" {
		return ip
	}
	if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get(HeaderRealIP)); ip != "" {
		return ip
	}
	return UnknownIP
}
