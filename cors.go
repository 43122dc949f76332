package relay

import "net/http"

// OriginPolicy decides whether an upgrade request's Origin header is
// acceptable, the WebSocket-handshake analogue of CORS origin
// allow-listing (there is no preflight to answer here; the browser
// enforces the Origin header on the initial GET itself, and the
// Upgrader's CheckOrigin is the only hook to react to it).
type OriginPolicy struct {
	// AllowOrigins is the literal allow-list. "*" allows every origin.
	AllowOrigins []string
	// AllowFunc, if set, overrides AllowOrigins entirely.
	AllowFunc func(origin string) bool
}

// AllowAllOrigins returns a policy that accepts every origin, the
// equivalent of disabling the check (acceptable for a non-browser
// client population, never for a browser-facing one).
func AllowAllOrigins() OriginPolicy {
	return OriginPolicy{AllowOrigins: []string{"*"}}
}

// CheckOrigin adapts the policy to gorilla/websocket's
// Upgrader.CheckOrigin signature. A request with no Origin header (most
// non-browser clients) is always allowed, since there is nothing to
// check against.
func (p OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.AllowFunc != nil {
		return p.AllowFunc(origin)
	}
	for _, o := range p.AllowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
