// Package auth is the narrow slice of Component H's auth model this
// daemon actually needs: a single operator principal authenticated over
// HTTP Basic, §4.H "if credentials are configured, every request must
// carry matching HTTP Basic credentials". Adapted from the teacher's
// internal/domain/auth/principal.go, which modeled three AuthTypes
// (basic/session/bearer) and a channel-CRUD permission set for a
// multi-tenant HTTP API; this daemon has exactly one control surface and
// one operator identity, so SessionAuth, BearerAuth, PrincipalKind, and
// the permission-set machinery are dropped rather than carried forward
// unused (see DESIGN.md).
package auth

import "github.com/gin-gonic/gin"

// Principal identifies the authenticated caller of an RPC request. There
// is exactly one kind of principal: the operator who knows the configured
// http_username/http_password.
type Principal struct {
	Username string
}

const principalKey = "auth.principal"

// SetPrincipal records the authenticated principal on the gin context for
// downstream handlers (request logging, audit) to read.
func SetPrincipal(c *gin.Context, username string) {
	c.Set(principalKey, &Principal{Username: username})
}

// GetPrincipal returns the request's authenticated principal, or nil if
// none was set (e.g. no credentials configured for this server).
func GetPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}
