// Package config contains code to set the default values and read
// config files to be used throughout the whole application
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
)

var (
	configFile = pflag.String("config", "", "Path to a config file, defaults to ./config.toml")

	validLogLevels    = []string{"debug", "info", "warn", "error", "fatal"}
	validEnvironments = []string{"development", "production"}
	validDrivers      = []string{"sqlite", "postgres"}
	validBackends     = []string{"sql", "redis"}
	validMailDrivers  = []string{"smtp", "log"}
)

// envKeys are bound to lowercase environment variables, dots replaced by
// underscores (app.log_level -> app_log_level).
var envKeys = []string{
	"app.log_level",
	"app.environment",

	"host.port",
	"host.cors_origins",

	"database.driver",
	"database.dsn",
	"database.timeout",

	"jwt.secret",
	"jwt.ttl",

	"auth.code_ttl",
	"auth.resend_interval",
	"auth.expose_codes",
	"auth.identity_attempts",
	"auth.retired_name_window",
	"auth.cleanup_interval",

	"password.min_length",
	"password.max_length",
	"password.require_lower",
	"password.require_upper",
	"password.require_digit",
	"password.require_symbol",
	"password.symbols",

	"codes.backend",
	"redis.addr",
	"redis.password",
	"redis.db",

	"mail.driver",
	"mail.host",
	"mail.port",
	"mail.username",
	"mail.password",
	"mail.sender",
	"mail.timeout",

	"security.rate_limit",

	"cloudflare.turnstile.enabled",
	"cloudflare.turnstile.secret_token",

	"avatars.enabled",
	"avatars.bucket",
	"avatars.region",
	"avatars.endpoint",
	"avatars.access_key_id",
	"avatars.secret_access_key",
	"avatars.keys",
	"avatars.url_ttl",

	"metrics.enabled",
}

func genSecret() string {
	b := make([]byte, 64)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.environment", "development")

	v.SetDefault("host.port", 8080)
	v.SetDefault("host.cors_origins", []string{"http://localhost:5173"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "database.db")
	v.SetDefault("database.timeout", 5*time.Second)

	v.SetDefault("jwt.ttl", 24*time.Hour)

	v.SetDefault("auth.code_ttl", 10*time.Minute)
	v.SetDefault("auth.resend_interval", 60*time.Second)
	v.SetDefault("auth.expose_codes", false)
	v.SetDefault("auth.identity_attempts", 5)
	v.SetDefault("auth.retired_name_window", 720*time.Hour)
	v.SetDefault("auth.cleanup_interval", time.Hour)

	v.SetDefault("password.min_length", 8)
	v.SetDefault("password.max_length", 255)
	v.SetDefault("password.require_lower", true)
	v.SetDefault("password.require_upper", true)
	v.SetDefault("password.require_digit", true)
	v.SetDefault("password.require_symbol", true)
	v.SetDefault("password.symbols", "@$!%*?&")

	v.SetDefault("codes.backend", "sql")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mail.driver", "log")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.timeout", 10*time.Second)

	v.SetDefault("security.rate_limit", 10)

	v.SetDefault("cloudflare.turnstile.enabled", false)

	v.SetDefault("avatars.enabled", false)
	v.SetDefault("avatars.region", "auto")
	v.SetDefault("avatars.url_ttl", time.Hour)

	v.SetDefault("metrics.enabled", true)
}

// Setup prepares everything config-related so that the app can
// start working. Function will return an error if something
// is critically wrong and the application can't run because of
// that.
func Setup() error {
	pflag.Parse()
	v.BindPFlags(pflag.CommandLine)

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		v.BindEnv(key, strings.ReplaceAll(key, ".", "_"))
	}

	SetDefaults()

	if err := v.ReadInConfig(); err != nil {
		var notFound v.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file, %w", err)
		}

		fmt.Println("[WARNING]: No config.toml found, running on defaults and environment variables")
	}

	if v.GetString("jwt.secret") == "" {
		fmt.Println("WARNING: You haven't set a JWT secret, so it has been generated for you. Please set it as an environment variable or in the config.toml file.\nYour random JWT secret:\n\n" + genSecret() + "\n\nPaste it into your config.toml file.")
		os.Exit(0)
	}

	if err := Validate(); err != nil {
		return err
	}

	if !v.GetBool("cloudflare.turnstile.enabled") {
		fmt.Println("[WARNING]: Cloudflare's turnstile is disabled. Some public endpoints won't be guarded against bots")
	}

	return nil
}

// Validate checks the loaded values. It is split from Setup so it can run
// against values set in tests.
func Validate() error {
	if !slices.Contains(validLogLevels, v.GetString("app.log_level")) {
		return errors.New("invalid log level provided")
	}

	if !slices.Contains(validEnvironments, v.GetString("app.environment")) {
		return errors.New("invalid environment provided")
	}

	if v.GetInt("host.port") <= 0 {
		return errors.New("invalid port provided")
	}

	if !slices.Contains(validDrivers, v.GetString("database.driver")) {
		return errors.New("invalid database driver provided")
	}

	if v.GetString("database.dsn") == "" {
		return errors.New("database dsn can't be empty")
	}

	if v.GetString("jwt.secret") == "" {
		return errors.New("jwt secret can't be empty")
	}

	for _, key := range []string{"jwt.ttl", "auth.code_ttl", "auth.resend_interval", "auth.cleanup_interval", "mail.timeout"} {
		if v.GetDuration(key) <= 0 {
			return fmt.Errorf("%s must be bigger than 0", key)
		}
	}

	if v.GetDuration("auth.retired_name_window") < 0 {
		return errors.New("auth.retired_name_window can't be negative")
	}

	if v.GetInt("auth.identity_attempts") <= 0 {
		return errors.New("auth.identity_attempts must be bigger than 0")
	}

	if v.GetBool("auth.expose_codes") && v.GetString("app.environment") == "production" {
		return errors.New("auth.expose_codes can't be enabled in production")
	}

	minLen, maxLen := v.GetInt("password.min_length"), v.GetInt("password.max_length")
	if minLen <= 0 || maxLen < minLen {
		return errors.New("password length bounds are invalid")
	}

	if v.GetBool("password.require_symbol") && v.GetString("password.symbols") == "" {
		return errors.New("password.symbols can't be empty when symbols are required")
	}

	if !slices.Contains(validBackends, v.GetString("codes.backend")) {
		return errors.New("invalid code backend provided")
	}

	if v.GetString("codes.backend") == "redis" && v.GetString("redis.addr") == "" {
		return errors.New("redis address can't be empty")
	}

	switch v.GetString("mail.driver") {
	case "smtp":
		if v.GetString("mail.host") == "" {
			return errors.New("mail host can't be empty")
		}
		if v.GetString("mail.sender") == "" {
			return errors.New("mail sender can't be empty")
		}
		if v.GetInt("mail.port") <= 0 {
			return errors.New("invalid mail port provided")
		}
	case "log":
		if v.GetString("app.environment") == "production" {
			return errors.New("mail.driver log can't be used in production")
		}

		fmt.Println("[WARNING]: Verification codes are only written to the log, nobody will receive them")
	default:
		return fmt.Errorf("invalid mail driver provided, must be one of %v", validMailDrivers)
	}

	if v.GetFloat64("security.rate_limit") <= 0 {
		return errors.New("security.rate_limit must be bigger than 0")
	}

	if v.GetBool("cloudflare.turnstile.enabled") && v.GetString("cloudflare.turnstile.secret_token") == "" {
		return errors.New("turnstile secret token is missing")
	}

	if v.GetBool("avatars.enabled") {
		if v.GetString("avatars.bucket") == "" {
			return errors.New("avatar bucket can't be empty")
		}
		if v.GetString("avatars.access_key_id") == "" {
			return errors.New("avatar access key id can't be empty")
		}
		if v.GetString("avatars.secret_access_key") == "" {
			return errors.New("avatar secret access key can't be empty")
		}
		if v.GetDuration("avatars.url_ttl") <= 0 {
			return errors.New("avatars.url_ttl must be bigger than 0")
		}
	}

	return nil
}
