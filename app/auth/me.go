package auth

import (
	"net/http"

	"bitwise74/threadbond-api/app/render"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/security"

	"github.com/gin-gonic/gin"
)

// Me returns the identity the session middleware attached.
func Me(c *gin.Context) {
	id, ok := security.IdentityFrom(c.Request.Context())
	if !ok {
		render.Error(c, service.ErrUnauthorized)
		return
	}

	c.JSON(http.StatusOK, id)
}
