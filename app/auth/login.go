package auth

import (
	"net/http"

	"bitwise74/threadbond-api/app/render"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func Login(c *gin.Context, d *internal.Deps) {
	requestID := middleware.RequestID(c)

	var data loginBody
	if err := c.ShouldBindJSON(&data); err != nil {
		render.BadBody(c, err)
		return
	}

	res, err := d.Auth.Login(c.Request.Context(), data.Email, data.Password)
	if err != nil {
		render.Error(c, err)
		return
	}

	zap.L().Debug("User logged in", zap.String("userID", res.User.ID), zap.String("requestID", requestID))

	render.SessionCookie(c, d, res.Token)
	c.JSON(http.StatusOK, gin.H{
		"token": res.Token,
		"user":  render.UserView(c.Request.Context(), d.Avatars, res.User, res.Identity),
	})
}
