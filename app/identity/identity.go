// Package identity contains the handlers that manage a user's anonymous identities
package identity

import (
	"net/http"

	"bitwise74/threadbond-api/app/render"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/middleware"
	"bitwise74/threadbond-api/pkg/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func caller(c *gin.Context) (security.Identity, bool) {
	id, ok := security.IdentityFrom(c.Request.Context())
	if !ok {
		render.Error(c, service.ErrUnauthorized)
	}

	return id, ok
}

// List returns every identity of the caller, oldest first.
func List(c *gin.Context, d *internal.Deps) {
	id, ok := caller(c)
	if !ok {
		return
	}

	identities, err := d.Identities.List(c.Request.Context(), id.UserID)
	if err != nil {
		render.Error(c, err)
		return
	}

	views := make([]*render.Identity, len(identities))
	for i := range identities {
		views[i] = render.IdentityView(c.Request.Context(), d.Avatars, &identities[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"identities": views,
	})
}

// Create allocates one more, inactive, identity.
func Create(c *gin.Context, d *internal.Deps) {
	id, ok := caller(c)
	if !ok {
		return
	}

	identity, err := d.Identities.Create(c.Request.Context(), id.UserID)
	if err != nil {
		render.Error(c, err)
		return
	}

	zap.L().Debug("Identity created",
		zap.String("identityID", identity.ID),
		zap.String("requestID", middleware.RequestID(c)))

	c.JSON(http.StatusCreated, gin.H{
		"identity": render.IdentityView(c.Request.Context(), d.Avatars, identity),
	})
}

// Activate switches the caller to another identity. The old session keeps
// working until it expires, the new token carries the new identity.
func Activate(c *gin.Context, d *internal.Deps) {
	id, ok := caller(c)
	if !ok {
		return
	}

	res, err := d.Auth.SwitchIdentity(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		render.Error(c, err)
		return
	}

	render.SessionCookie(c, d, res.Token)
	c.JSON(http.StatusOK, gin.H{
		"token":    res.Token,
		"identity": render.IdentityView(c.Request.Context(), d.Avatars, res.Identity),
	})
}

// Retire deletes an inactive identity.
func Retire(c *gin.Context, d *internal.Deps) {
	id, ok := caller(c)
	if !ok {
		return
	}

	if err := d.Identities.Retire(c.Request.Context(), id.UserID, c.Param("id")); err != nil {
		render.Error(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
