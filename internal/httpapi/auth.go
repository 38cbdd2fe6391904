package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stackpilot/internal/api"
	"stackpilot/internal/config"
)

const contextKeyRequest = "stackpilot.requestContext"

// SessionProvider resolves a bearer token into a caller identity.
// Session issuance lives outside this system; this is the consuming end.
type SessionProvider interface {
	Resolve(token string) (api.RequestContext, bool)
}

// StaticSessions is a SessionProvider over tokens listed in the config
// file.
type StaticSessions map[string]api.RequestContext

// NewStaticSessions builds the provider from configured sessions.
func NewStaticSessions(sessions []config.Session) StaticSessions {
	out := make(StaticSessions, len(sessions))
	for _, s := range sessions {
		out[s.Token] = api.RequestContext{
			UserID:   s.UserID,
			TenantID: s.TenantID,
			Role:     api.Role(s.Role),
		}
	}
	return out
}

// Resolve implements SessionProvider.
func (s StaticSessions) Resolve(token string) (api.RequestContext, bool) {
	rctx, ok := s[token]
	return rctx, ok && rctx.Valid()
}

// sessionAuth rejects requests without a resolvable bearer token.
func sessionAuth(sessions SessionProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		rctx, ok := sessions.Resolve(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		c.Set(contextKeyRequest, rctx)
		c.Next()
	}
}

// requestContext returns the caller identity set by sessionAuth.
func requestContext(c *gin.Context) api.RequestContext {
	if v, ok := c.Get(contextKeyRequest); ok {
		if rctx, ok := v.(api.RequestContext); ok {
			return rctx
		}
	}
	return api.RequestContext{}
}
