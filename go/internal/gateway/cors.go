package gateway

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/cors"
)

var localhostOrigin = regexp.MustCompile(`^https?://localhost:\d+$`)

// OriginPolicy decides which browser origins may use the HTTP API and open
// WebSocket connections.
type OriginPolicy struct {
	allowed map[string]bool
}

// NewOriginPolicy builds a policy from an explicit allow-list. With an empty
// list any http(s)://localhost:<port> origin is accepted.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]bool)}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			p.allowed[origin] = true
		}
	}
	return p
}

// Allowed reports whether origin may connect. Requests without an origin
// (same-origin tools, curl) are allowed.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if len(p.allowed) == 0 {
		return localhostOrigin.MatchString(origin)
	}
	return p.allowed[origin]
}

// CheckOrigin adapts the policy to websocket.Upgrader.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allowed(r.Header.Get("Origin"))
}

// CORSMiddleware wraps next with CORS headers for allowed origins.
func CORSMiddleware(policy *OriginPolicy, next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowOriginFunc: policy.Allowed,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
	return c.Handler(next)
}
