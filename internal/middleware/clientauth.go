// Package middleware implements spec §4.1's client authentication and
// host binding gin middleware. Grounded on the teacher's
// internal/middleware/jwt.go (gin.HandlerFunc shape, context keys via
// c.Set, c.AbortWithStatusJSON envelopes) and internal/credential for
// the constant-time key comparison and descriptor lookup.
package middleware

import (
	"net"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"anthraxy/internal/apperr"
	"anthraxy/internal/credential"
)

const (
	ContextKeyDomain     = "domain"
	ContextKeyDescriptor = "descriptor"
)

var hostPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-.]*[a-z0-9])?(:[0-9]+)?$`)

var bearerPattern = regexp.MustCompile(`(?i)^bearer\s+(\S.*)$`)

// ClientAuth builds the gin middleware implementing spec §4.1 steps
// 1-4: host extraction/validation, descriptor lookup, constant-time
// bearer-key comparison.
func ClientAuth(manager *credential.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawHost := strings.ToLower(c.Request.Host)
		if !hostPattern.MatchString(rawHost) {
			abortUnauthorized(c, "", "invalid host")
			return
		}
		domain := stripPort(rawHost)

		desc, err := manager.Descriptor(domain)
		if err != nil || desc == nil {
			abortUnauthorized(c, domain, "unknown domain")
			return
		}

		presented, ok := extractBearerToken(c.GetHeader("Authorization"))
		if !ok || !credential.VerifyClientKey(presented, desc.ClientAPIKey) {
			abortUnauthorized(c, domain, "invalid client key")
			return
		}

		c.Set(ContextKeyDomain, domain)
		c.Set(ContextKeyDescriptor, desc)
		c.Next()
	}
}

// stripPort implements spec §4.1 step 1: lookup uses the host with any
// ":<port>" suffix removed, independent of whether the port was
// syntactically present.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// extractBearerToken implements spec §4.1's grammar: case-insensitive
// "Bearer" scheme, `\s+`, non-empty token. No other headers are
// consulted — X-Forwarded-Host/X-Original-Host are never read anywhere
// in this package, satisfying step 1's "ignores" clause by omission.
func extractBearerToken(header string) (string, bool) {
	m := bearerPattern.FindStringSubmatch(header)
	if m == nil {
		return "", false
	}
	token := strings.TrimSpace(m[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func abortUnauthorized(c *gin.Context, domain, reason string) {
	realm := domain
	if realm == "" {
		realm = "anthraxy"
	}
	c.Header("WWW-Authenticate", `Bearer realm="`+realm+`"`)
	authErr := &apperr.AuthenticationError{Message: reason, Realm: realm}
	c.AbortWithStatusJSON(authErr.HTTPStatus(), authErr.Envelope())
}
