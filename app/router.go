// Package app wires handlers, middleware and dependencies into a gin engine
package app

import (
	"time"

	"bitwise74/threadbond-api/app/auth"
	"bitwise74/threadbond-api/app/identity"
	"bitwise74/threadbond-api/app/root"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/pkg/middleware"

	cache "github.com/chenyahui/gin-cache"
	"github.com/chenyahui/gin-cache/persist"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var store = persist.NewMemoryStore(time.Minute)

type RouterConfig struct {
	CORSOrigins []string
	Limiter     *middleware.IPRateLimiter
	// Turnstile is nil when bot protection is disabled.
	Turnstile      middleware.ChallengeVerifier
	MetricsEnabled bool
}

func NewRouter(d *internal.Deps, cfg RouterConfig) *gin.Engine {
	router := gin.New()

	router.Use(
		cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.TurnstileHeader},
			ExposeHeaders:    []string{"Content-Length", "Retry-After", middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
		gin.Recovery(),
		middleware.NewRequestIDMiddleware(),
		ginzap.GinzapWithConfig(zap.L(), &ginzap.Config{
			TimeFormat: "15:04:05.000",
			UTC:        true,
			Skipper: func(c *gin.Context) bool {
				return c.Request.Method == "HEAD"
			},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{}

				if v := middleware.RequestID(c); v != "" {
					fields = append(fields, zap.String("request_id", v))
				}

				if v := c.GetString("userID"); v != "" {
					fields = append(fields, zap.String("user_id", v))
				}

				return fields
			},
		}),
	)

	router.HandleMethodNotAllowed = true
	router.RedirectFixedPath = true

	turnstile := middleware.NewTurnstileMiddleware(cfg.Turnstile)
	session := middleware.NewSessionMiddleware(d.Sessions)

	if cfg.MetricsEnabled {
		// GET /metrics			-> Prometheus scrape endpoint
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	main := router.Group("/api")
	if cfg.Limiter != nil {
		main.Use(cfg.Limiter.Middleware())
	}
	{
		// HEAD /api/heartbeat 		-> Used to check if the server is alive
		main.HEAD("/heartbeat", root.Heartbeat)
	}

	a := main.Group("/auth", middleware.BodySizeLimiter(16<<10))
	{
		// POST /api/auth/send-verification-code	-> Mails a verification code
		a.POST("/send-verification-code", turnstile, func(c *gin.Context) { auth.SendCode(c, d) })

		// POST /api/auth/register	-> Registers a new user with a verification code
		a.POST("/register", func(c *gin.Context) { auth.Register(c, d) })

		// POST /api/auth/check-email	-> Reports whether an email is still available
		a.POST("/check-email", func(c *gin.Context) { auth.CheckEmail(c, d) })

		// POST /api/auth/login		-> Logs in a user and returns a session token
		a.POST("/login", func(c *gin.Context) { auth.Login(c, d) })

		// GET /api/auth/me		-> Returns the identity of the session
		a.GET("/me", session, auth.Me)

		// GET /api/auth/password-policy	-> Returns the password rules
		a.GET("/password-policy", cacheFor(5*60), func(c *gin.Context) { auth.PasswordPolicy(c, d) })
	}

	ids := main.Group("/identities", session)
	{
		// GET /api/identities		-> Lists the caller's anonymous identities
		ids.GET("", func(c *gin.Context) { identity.List(c, d) })

		// POST /api/identities		-> Creates a new anonymous identity
		ids.POST("", func(c *gin.Context) { identity.Create(c, d) })

		// POST /api/identities/:id/activate	-> Switches to another identity
		ids.POST("/:id/activate", func(c *gin.Context) { identity.Activate(c, d) })

		// DELETE /api/identities/:id	-> Retires an inactive identity
		ids.DELETE("/:id", func(c *gin.Context) { identity.Retire(c, d) })
	}

	return router
}

func cacheFor(sec int) gin.HandlerFunc {
	return cache.CacheByRequestURI(store, time.Second*time.Duration(sec))
}
