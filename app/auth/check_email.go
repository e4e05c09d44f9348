package auth

import (
	"net/http"

	"bitwise74/threadbond-api/app/render"
	"bitwise74/threadbond-api/internal"

	"github.com/gin-gonic/gin"
)

func CheckEmail(c *gin.Context, d *internal.Deps) {
	var data emailBody
	if err := c.ShouldBindJSON(&data); err != nil {
		render.BadBody(c, err)
		return
	}

	available, err := d.Auth.CheckEmail(c.Request.Context(), data.Email)
	if err != nil {
		render.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available": available,
	})
}
