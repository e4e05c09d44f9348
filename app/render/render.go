// Package render turns service results and errors into JSON responses.
package render

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitwise74/threadbond-api/aws"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/internal/model"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"
	"go.uber.org/zap"
)

// Error writes the response for err. Known kinds get their status and a
// stable error code, everything else is logged and answered with a 500.
func Error(c *gin.Context, err error) {
	requestID := middleware.RequestID(c)

	var (
		ve *service.ValidationError
		rl *service.RateLimitError
	)

	switch {
	case errors.As(err, &ve):
		switch {
		case len(ve.Violations) > 0:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "validation",
				"violations": ve.Violations,
				"requestID":  requestID,
			})
		case ve.Field == service.FieldEmail:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "invalidEmail",
				"message":   ve.Error(),
				"requestID": requestID,
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "validation",
				"field":     ve.Field,
				"message":   ve.Error(),
				"requestID": requestID,
			})
		}
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":             "rateLimited",
			"retryAfterSeconds": rl.RetryAfterSeconds(),
			"requestID":         requestID,
		})
	case errors.Is(err, service.ErrCodeMismatch):
		kind(c, http.StatusBadRequest, "mismatch", "Verification code is incorrect")
	case errors.Is(err, service.ErrCodeExpired):
		kind(c, http.StatusBadRequest, "expired", "Verification code expired, please request a new one")
	case errors.Is(err, service.ErrCodeNotFound):
		kind(c, http.StatusBadRequest, "notFound", "No verification code pending, please request a new one")
	case errors.Is(err, service.ErrUnauthorized):
		kind(c, http.StatusUnauthorized, "unauthorized", "Invalid credentials")
	case errors.Is(err, service.ErrEmailTaken):
		kind(c, http.StatusConflict, "emailTaken", "This email is already registered. Please login or use a different email")
	case errors.Is(err, service.ErrIdentityNotFound):
		kind(c, http.StatusNotFound, "identityNotFound", "Identity not found")
	case errors.Is(err, service.ErrIdentityActive):
		kind(c, http.StatusConflict, "identityActive", "The active identity can't be retired, switch to another one first")
	case errors.Is(err, service.ErrAllocationExhausted):
		logUnexpected(requestID, err)
		kind(c, http.StatusInternalServerError, "allocationExhausted", "Could not create an anonymous identity, please contact support")
	case errors.Is(err, service.ErrStoreTimeout):
		logUnexpected(requestID, err)
		c.Header("Retry-After", "1")
		kind(c, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable, please retry")
	default:
		logUnexpected(requestID, err)
		kind(c, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

func kind(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"error":     code,
		"message":   msg,
		"requestID": middleware.RequestID(c),
	})
}

func logUnexpected(requestID string, err error) {
	fields := []zap.Field{zap.Error(err), zap.String("requestID", requestID)}
	if oe, ok := oops.AsOops(err); ok {
		fields = append(fields, zap.Any("code", oe.Code()))
	}

	zap.L().Error("Request failed", fields...)
}

// BadBody answers requests whose body couldn't be bound.
func BadBody(c *gin.Context, err error) {
	if middleware.IsBodyTooLarge(err) {
		kind(c, http.StatusRequestEntityTooLarge, "bodyTooLarge", "Request body size exceeds limit")
		return
	}

	zap.L().Debug("Can't bind request body", zap.Error(err), zap.String("requestID", middleware.RequestID(c)))
	kind(c, http.StatusBadRequest, "invalidBody", "Invalid request body")
}

type Identity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	Identity  *Identity `json:"identity,omitempty"`
}

// IdentityView presigns the avatar when avatars are stored in a bucket. A
// failed presign only drops the URL.
func IdentityView(ctx context.Context, avatars *aws.AvatarStore, i *model.AnonymousIdentity) *Identity {
	view := &Identity{
		ID:          i.ID,
		DisplayName: i.DisplayName,
		Active:      i.Active,
		CreatedAt:   i.CreatedAt,
	}

	if avatars != nil && i.AvatarKey != nil {
		url, err := avatars.URL(ctx, *i.AvatarKey)
		if err != nil {
			zap.L().Warn("Failed to presign avatar", zap.Error(err), zap.String("identityID", i.ID))
		} else {
			view.AvatarURL = url
		}
	}

	return view
}

func UserView(ctx context.Context, avatars *aws.AvatarStore, u *model.User, i *model.AnonymousIdentity) *User {
	view := &User{
		ID:        u.ID,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}

	if i != nil {
		view.Identity = IdentityView(ctx, avatars, i)
	}

	return view
}

// SessionCookie stores token in the http-only session cookie.
func SessionCookie(c *gin.Context, d *internal.Deps, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, token, int(d.Sessions.TTL().Seconds()), "/", "", d.SecureCookies, true)
}
