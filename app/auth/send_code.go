// Package auth contains the registration and login handlers
package auth

import (
	"net/http"
	"time"

	"bitwise74/threadbond-api/app/render"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type emailBody struct {
	Email string `json:"email"`
}

// SendCode issues a verification code and mails it.
func SendCode(c *gin.Context, d *internal.Deps) {
	requestID := middleware.RequestID(c)

	var data emailBody
	if err := c.ShouldBindJSON(&data); err != nil {
		render.BadBody(c, err)
		return
	}

	issued, err := d.Auth.RequestCode(c.Request.Context(), data.Email)
	if err != nil {
		render.Error(c, err)
		return
	}

	zap.L().Debug("Verification code issued", zap.String("requestID", requestID))

	res := gin.H{
		"expiresIn": int(time.Until(issued.ExpiresAt).Round(time.Second).Seconds()),
	}

	if d.ExposeCodes {
		res["code"] = issued.Code
	}

	c.JSON(http.StatusOK, res)
}
