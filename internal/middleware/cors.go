package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginMatcher decides whether a browser origin is allowed. It holds exact origins, "*" for
// any, or "https://*.example.com" style wildcards. An empty list allows any origin.
type OriginMatcher struct {
	wildcard bool
	exact    map[string]struct{}
	suffixes [][2]string
}

// NewOriginMatcher parses origins into a matcher.
func NewOriginMatcher(origins []string) *OriginMatcher {
	m := &OriginMatcher{wildcard: len(origins) == 0, exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch {
		case o == "*":
			m.wildcard = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			m.suffixes = append(m.suffixes, [2]string{scheme + "://", host})
		default:
			m.exact[o] = struct{}{}
		}
	}
	return m
}

// Any reports whether every origin is allowed.
func (m *OriginMatcher) Any() bool { return m.wildcard }

// Allowed reports whether origin matches.
func (m *OriginMatcher) Allowed(origin string) bool {
	if m.wildcard {
		return true
	}
	if origin == "" {
		return false
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, s := range m.suffixes {
		if strings.HasPrefix(origin, s[0]) && strings.HasSuffix(origin, s[1]) {
			return true
		}
	}
	return false
}

// CORS answers preflights and sets CORS headers for the origins NewOriginMatcher accepts.
// Credentials are never allowed with "*".
func CORS(origins []string) gin.HandlerFunc {
	match := NewOriginMatcher(origins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case match.Any():
			c.Header("Access-Control-Allow-Origin", "*")
		case match.Allowed(origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		default:
			origin = ""
		}
		if origin != "" || match.Any() {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
