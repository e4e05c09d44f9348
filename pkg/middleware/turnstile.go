package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TurnstileHeader carries the token the frontend got from the widget.
const TurnstileHeader = "TurnstileToken"

// ChallengeVerifier is satisfied by *cloudflare.Turnstile.
type ChallengeVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// NewTurnstileMiddleware guards public endpoints against bots. A nil
// verifier turns the check off.
func NewTurnstileMiddleware(v ChallengeVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}

		requestID := RequestID(c)

		token := c.GetHeader(TurnstileHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":     "Missing or invalid turnstile token",
				"requestID": requestID,
			})
			return
		}

		if err := v.Verify(c.Request.Context(), token, c.ClientIP()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "Unauthorized",
				"requestID": requestID,
			})

			zap.L().Debug("Turnstile rejected request", zap.Error(err), zap.String("requestID", requestID))
			return
		}

		c.Next()
	}
}
