package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kpath-enterprise/kpath/pkg/observability"
)

const principalKey = "auth.principal"

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID    int64
	KeyID     int64 // 0 for JWT-authenticated callers
	Scopes    []string
	RateLimit int
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// PrincipalFrom returns the principal attached by the auth middleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// Authenticator resolves request credentials to a principal.
type Authenticator struct {
	keys             *KeyStore
	tokens           *TokenService
	defaultRateLimit int
	logger           observability.Logger
}

// NewAuthenticator wires the two credential mechanisms together.
func NewAuthenticator(keys *KeyStore, tokens *TokenService, defaultRateLimit int, logger observability.Logger) *Authenticator {
	if logger == nil {
		logger = observability.NewLogger("auth")
	}
	return &Authenticator{
		keys:             keys,
		tokens:           tokens,
		defaultRateLimit: defaultRateLimit,
		logger:           logger,
	}
}

// Middleware authenticates via, in order: bearer token, X-API-Key
// header, api_key query parameter. All failing yields 401 with a body
// that never reveals whether a credential existed.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimPrefix(header, "Bearer ")
			if claims, err := a.tokens.Validate(token); err == nil {
				c.Set(principalKey, &Principal{
					UserID:    claims.UserID,
					Scopes:    claims.Scopes,
					RateLimit: a.defaultRateLimit,
				})
				c.Next()
				return
			}
		}

		plaintext := c.GetHeader("X-API-Key")
		if plaintext == "" {
			plaintext = c.Query("api_key")
		}
		if plaintext != "" {
			if key, err := a.keys.Authenticate(c.Request.Context(), plaintext); err == nil {
				c.Set(principalKey, &Principal{
					UserID:    key.UserID,
					KeyID:     key.ID,
					Scopes:    key.ScopeNames(),
					RateLimit: key.RateLimit,
				})
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// RequireScopes rejects requests whose principal lacks any of the
// named scopes.
func RequireScopes(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, scope := range scopes {
			if !p.HasScope(scope) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope: " + scope})
				return
			}
		}
		c.Next()
	}
}
