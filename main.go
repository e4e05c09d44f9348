package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bitwise74/threadbond-api/app"
	"bitwise74/threadbond-api/config"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	err := config.Setup()
	if err != nil {
		panic(err)
	}

	err = app.MakeLogger(viper.GetString("app.log_level"), viper.GetString("app.environment"))
	if err != nil {
		panic(err)
	}
	defer zap.L().Sync()

	if viper.GetString("app.environment") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		panic(err)
	}

	if err := a.Run(ctx); err != nil {
		zap.L().Fatal("Server stopped", zap.Error(err))
	}
}
