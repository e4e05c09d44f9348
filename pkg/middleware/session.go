package middleware

import (
	"errors"
	"net/http"
	"strings"

	"bitwise74/threadbond-api/pkg/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionCookie is the cookie the session token is also delivered in.
const SessionCookie = "auth_token"

// bearerToken prefers the Authorization header and falls back to the cookie.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}

		return ""
	}

	token, err := c.Cookie(SessionCookie)
	if err != nil {
		return ""
	}

	return token
}

// NewSessionMiddleware decodes the session token and attaches the resulting
// identity to the request context. Handlers read it with
// security.IdentityFrom(c.Request.Context()).
func NewSessionMiddleware(s *security.SessionIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := RequestID(c)

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "Missing session token",
				"requestID": requestID,
			})
			return
		}

		claims, err := s.Decode(token)
		if err != nil {
			msg := "Session token invalid"
			if errors.Is(err, security.ErrSessionExpired) {
				msg = "Session expired. Please log in again"
			}

			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     msg,
				"requestID": requestID,
			})

			zap.L().Debug("Rejected session token", zap.Error(err), zap.String("requestID", requestID))
			return
		}

		c.Request = c.Request.WithContext(security.WithIdentity(c.Request.Context(), claims.Identity()))
		c.Set("userID", claims.UserID)
		c.Next()
	}
}
