package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/sessionguard/internal/auth"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/response"
)

const (
	CtxClaimsKey = "authClaims"
	CtxUserIDKey = "userID"
	CtxJTIKey    = "jti"
	CtxOrgIDKey  = "orgID"
)

// SessionGuard is the slice of the security facade the auth middleware needs.
type SessionGuard interface {
	IsJTIBlacklisted(ctx context.Context, jti string) (security.BlacklistStatus, error)
	TouchSession(ctx context.Context, jti string) error
}

// Auth enforces bearer authentication: the token must verify against the
// shared secret and its JTI must not be blacklisted. Valid requests bump the
// session's last_used_at.
func Auth(verifier *iauth.TokenVerifier, guard SessionGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := verifier.Verify(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		status, err := guard.IsJTIBlacklisted(c.Request.Context(), claims.JTI())
		if err != nil {
			response.Error(c, errors.FromError(err))
			c.Abort()
			return
		}
		if status.Blacklisted {
			response.Error(c, errors.ErrTokenRevoked)
			c.Abort()
			return
		}

		// last_used_at bump is best effort
		_ = guard.TouchSession(c.Request.Context(), claims.JTI())

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		c.Set(CtxJTIKey, claims.JTI())
		if claims.OrgID != "" {
			c.Set(CtxOrgIDKey, claims.OrgID)
		}

		c.Next()
	}
}
