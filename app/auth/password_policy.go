package auth

import (
	"net/http"

	"bitwise74/threadbond-api/internal"

	"github.com/gin-gonic/gin"
)

// PasswordPolicy lets the frontend show the rules before submitting.
func PasswordPolicy(c *gin.Context, d *internal.Deps) {
	c.JSON(http.StatusOK, d.Auth.Policy())
}
