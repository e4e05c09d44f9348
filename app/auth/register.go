package auth

import (
	"net/http"

	"bitwise74/threadbond-api/app/render"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerBody struct {
	Email           string `json:"email"`
	Code            string `json:"code"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func Register(c *gin.Context, d *internal.Deps) {
	requestID := middleware.RequestID(c)

	var data registerBody
	if err := c.ShouldBindJSON(&data); err != nil {
		render.BadBody(c, err)
		return
	}

	res, err := d.Auth.Register(c.Request.Context(), service.RegisterInput{
		Email:           data.Email,
		Code:            data.Code,
		Password:        data.Password,
		ConfirmPassword: data.ConfirmPassword,
	})
	if err != nil {
		render.Error(c, err)
		return
	}

	zap.L().Info("User registered", zap.String("userID", res.User.ID), zap.String("requestID", requestID))

	render.SessionCookie(c, d, res.Token)
	c.JSON(http.StatusCreated, gin.H{
		"token": res.Token,
		"user":  render.UserView(c.Request.Context(), d.Avatars, res.User, res.Identity),
	})
}
