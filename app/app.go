package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitwise74/threadbond-api/aws"
	"bitwise74/threadbond-api/cloudflare"
	"bitwise74/threadbond-api/db"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/middleware"
	"bitwise74/threadbond-api/pkg/security"
	"bitwise74/threadbond-api/pkg/validators"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// App is the assembled server with everything it needs to run.
type App struct {
	Deps    *internal.Deps
	Router  *gin.Engine
	Cleanup *service.Cleanup
	Limiter *middleware.IPRateLimiter

	mail  *service.MailDispatcher
	redis redis.UniversalClient
}

// New builds every dependency from the loaded configuration.
func New(ctx context.Context) (*App, error) {
	a := &App{}

	database, err := db.New(viper.GetString("database.driver"), viper.GetString("database.dsn"))
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	timeout := viper.GetDuration("database.timeout")

	var mailer service.Mailer
	switch viper.GetString("mail.driver") {
	case "smtp":
		mailer = service.NewSMTPMailer(
			viper.GetString("mail.host"),
			viper.GetInt("mail.port"),
			viper.GetString("mail.username"),
			viper.GetString("mail.password"),
			viper.GetString("mail.sender"),
		)
	default:
		mailer = service.LogMailer{}
	}

	a.mail = service.NewMailDispatcher(mailer, viper.GetDuration("mail.timeout"), m)

	codeCfg := service.CodeStoreConfig{
		TTL:            viper.GetDuration("auth.code_ttl"),
		ResendInterval: viper.GetDuration("auth.resend_interval"),
		Timeout:        timeout,
	}

	var codes service.CodeStore
	switch viper.GetString("codes.backend") {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})

		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis, %w", err)
		}

		codes = service.NewRedisCodeStore(a.redis, codeCfg, a.mail, m)
	default:
		codes = service.NewSQLCodeStore(database, codeCfg, a.mail, m)
	}

	zap.L().Info("Verification code store ready", zap.Stringer("backend", codes.(fmt.Stringer)))

	var avatars *aws.AvatarStore
	if viper.GetBool("avatars.enabled") {
		avatars, err = aws.NewAvatarStore(ctx, aws.AvatarConfig{
			Bucket:          viper.GetString("avatars.bucket"),
			Region:          viper.GetString("avatars.region"),
			Endpoint:        viper.GetString("avatars.endpoint"),
			AccessKeyID:     viper.GetString("avatars.access_key_id"),
			SecretAccessKey: viper.GetString("avatars.secret_access_key"),
			URLTTL:          viper.GetDuration("avatars.url_ttl"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize avatar storage, %w", err)
		}

		if err := avatars.CheckBucket(ctx); err != nil {
			return nil, err
		}
	}

	identities := service.NewIdentityAllocator(database, service.IdentityConfig{
		MaxAttempts:   viper.GetInt("auth.identity_attempts"),
		RetiredWindow: viper.GetDuration("auth.retired_name_window"),
		AvatarKeys:    viper.GetStringSlice("avatars.keys"),
		Timeout:       timeout,
	})

	sessions, err := security.NewSessionIssuer(viper.GetString("jwt.secret"), viper.GetDuration("jwt.ttl"))
	if err != nil {
		return nil, err
	}

	policy := validators.PasswordPolicy{
		MinLength:     viper.GetInt("password.min_length"),
		MaxLength:     viper.GetInt("password.max_length"),
		RequireLower:  viper.GetBool("password.require_lower"),
		RequireUpper:  viper.GetBool("password.require_upper"),
		RequireDigit:  viper.GetBool("password.require_digit"),
		RequireSymbol: viper.GetBool("password.require_symbol"),
		Symbols:       viper.GetString("password.symbols"),
	}

	authSvc, err := service.NewAuthService(database, codes, identities, sessions, security.New(), m, service.AuthConfig{
		Policy:  policy,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	production := viper.GetString("app.environment") == "production"

	a.Deps = &internal.Deps{
		DB:            database,
		Auth:          authSvc,
		Identities:    identities,
		Sessions:      sessions,
		Metrics:       m,
		Avatars:       avatars,
		ExposeCodes:   viper.GetBool("auth.expose_codes") && !production,
		SecureCookies: production,
	}

	if a.Deps.ExposeCodes {
		zap.L().Warn("Verification codes are returned in responses, never enable this outside development")
	}

	a.Cleanup = service.NewCleanup(database, service.CleanupConfig{
		Interval:       viper.GetDuration("auth.cleanup_interval"),
		ResendInterval: codeCfg.ResendInterval,
		RetiredWindow:  viper.GetDuration("auth.retired_name_window"),
		Timeout:        timeout,
	})

	a.Limiter = middleware.NewIPRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: viper.GetFloat64("security.rate_limit"),
	})

	routerCfg := RouterConfig{
		CORSOrigins:    viper.GetStringSlice("host.cors_origins"),
		Limiter:        a.Limiter,
		MetricsEnabled: viper.GetBool("metrics.enabled"),
	}

	if viper.GetBool("cloudflare.turnstile.enabled") {
		routerCfg.Turnstile = cloudflare.NewTurnstile(viper.GetString("cloudflare.turnstile.secret_token"), "")
	}

	a.Router = NewRouter(a.Deps, routerCfg)

	return a, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// pending mails.
func (a *App) Run(ctx context.Context) error {
	go a.Cleanup.Run(ctx)
	go a.Limiter.Cleanup(ctx)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(viper.GetInt("host.port")),
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	zap.L().Info("Server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)

	a.mail.Wait()

	if a.redis != nil {
		a.redis.Close()
	}

	if sqlDB, dbErr := a.Deps.DB.DB(); dbErr == nil {
		sqlDB.Close()
	}

	return err
}
