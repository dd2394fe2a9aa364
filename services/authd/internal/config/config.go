// Package config loads runtime configuration for authd and authctl.
package config

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"stockgate/pkg/s3"
	"stockgate/services/authd/internal/auth"
	"stockgate/services/authd/internal/mailer"
)

const (
	EnvProduction = "production"
	devSigningKey = "dev-secret"
)

// Config holds runtime configuration for the auth service.
type Config struct {
	Addr     string `env:"ADDR,default=:8080"`
	AppEnv   string `env:"APP_ENV,default=development"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	DBDSN    string `env:"DB_DSN"`

	JWTSecret      string        `env:"JWT_SECRET"`
	SessionTTLDays int           `env:"SESSION_TTL_DAYS,default=7"`
	CookieDomain   string        `env:"SESSION_COOKIE_DOMAIN"`
	CodeTTLMinutes int           `env:"TWO_FACTOR_TTL_MINUTES,default=10"`
	ResendCooldown time.Duration `env:"TWO_FACTOR_RESEND_COOLDOWN,default=1m"`

	Disable2FA      bool `env:"AUTH_DISABLE_2FA,default=false"`
	AllowNoEmail    bool `env:"TWO_FACTOR_ALLOW_NO_EMAIL,default=false"`
	DebugReturnCode bool `env:"TWO_FACTOR_DEBUG_RETURN_CODE,default=false"`

	SMTP SMTP

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	AuthRateLimit  int      `env:"AUTH_RATE_LIMIT,default=20"`

	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	NATSURL         string        `env:"NATS_URL"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL,default=30m"`

	BootstrapEmail    string `env:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapPassword string `env:"BOOTSTRAP_ADMIN_PASSWORD"`
	BootstrapName     string `env:"BOOTSTRAP_ADMIN_NAME"`

	S3  S3
	Age Age
}

// SMTP configures the relay that delivers verification codes.
type SMTP struct {
	Host               string        `env:"SMTP_HOST"`
	Port               int           `env:"SMTP_PORT"`
	Secure             bool          `env:"SMTP_SECURE,default=false"`
	User               string        `env:"SMTP_USER"`
	Password           string        `env:"SMTP_PASS"`
	From               string        `env:"SMTP_FROM"`
	ConnectionTimeout  time.Duration `env:"SMTP_CONNECTION_TIMEOUT,default=15s"`
	GreetingTimeout    time.Duration `env:"SMTP_GREETING_TIMEOUT,default=10s"`
	SocketTimeout      time.Duration `env:"SMTP_SOCKET_TIMEOUT,default=20s"`
	RejectUnauthorized bool          `env:"SMTP_TLS_REJECT_UNAUTHORIZED,default=true"`
	Diagnostics        bool          `env:"SMTP_DIAGNOSTICS,default=false"`
	Brand              string        `env:"MAIL_BRAND,default=Stockroom"`
}

// S3 configures the object store used for audit archives.
type S3 struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Age holds the archive signing keys.
type Age struct {
	SecretKey string `env:"AGE_SECRET_KEY"`
	PublicKey string `env:"AGE_PUBLIC_KEY"`
}

// Load reads an optional .env file and returns a Config populated from the
// environment. Variables already set take precedence over the file.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return Process(ctx, envconfig.OsLookuper())
}

// Process populates a Config from l.
func Process(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	return cfg, nil
}

func (c Config) Production() bool { return c.AppEnv == EnvProduction }

// Validate enforces the rules the server depends on and applies the
// production overrides. Each override is reported as a warning.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.SessionTTLDays <= 0 {
		errs = append(errs, errors.New("SESSION_TTL_DAYS must be positive"))
	}
	if c.CodeTTLMinutes <= 0 {
		errs = append(errs, errors.New("TWO_FACTOR_TTL_MINUTES must be positive"))
	}

	if c.Production() {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
		if !c.Disable2FA && c.SMTP.Host == "" {
			errs = append(errs, errors.New("SMTP_HOST is required in production unless AUTH_DISABLE_2FA is set"))
		}
		if c.DebugReturnCode {
			c.DebugReturnCode = false
			warnings = append(warnings, "TWO_FACTOR_DEBUG_RETURN_CODE is ignored in production")
		}
	} else if c.JWTSecret == "" {
		c.JWTSecret = devSigningKey
		warnings = append(warnings, "JWT_SECRET not set; using the development signing key")
	}
	if c.Disable2FA {
		warnings = append(warnings, "AUTH_DISABLE_2FA is set; sessions are issued after the password check alone")
	}
	if c.AllowNoEmail {
		warnings = append(warnings, "TWO_FACTOR_ALLOW_NO_EMAIL is set; logins proceed when code delivery fails")
	}
	return warnings, errors.Join(errs...)
}

func (c Config) SessionTTL() time.Duration { return time.Duration(c.SessionTTLDays) * 24 * time.Hour }

func (c Config) CodeTTL() time.Duration { return time.Duration(c.CodeTTLMinutes) * time.Minute }

// Auth returns the sign-in policy. The raw code is only ever returned outside
// production and with both degraded-delivery flags set.
func (c Config) Auth() auth.Config {
	return auth.Config{
		Disable2FA:      c.Disable2FA,
		AllowNoEmail:    c.AllowNoEmail,
		DebugReturnCode: c.AllowNoEmail && c.DebugReturnCode && !c.Production(),
	}
}

// Mailer returns the relay settings, or ok=false when SMTP_HOST is unset.
func (c Config) Mailer() (cfg mailer.SMTPConfig, ok bool) {
	if c.SMTP.Host == "" {
		return mailer.SMTPConfig{}, false
	}
	return mailer.SMTPConfig{
		Host:               c.SMTP.Host,
		Port:               c.SMTP.Port,
		Secure:             c.SMTP.Secure,
		Username:           c.SMTP.User,
		Password:           c.SMTP.Password,
		From:               c.SMTP.From,
		Brand:              c.SMTP.Brand,
		ConnectionTimeout:  c.SMTP.ConnectionTimeout,
		GreetingTimeout:    c.SMTP.GreetingTimeout,
		SocketTimeout:      c.SMTP.SocketTimeout,
		InsecureSkipVerify: !c.SMTP.RejectUnauthorized,
	}, true
}

func (c Config) ObjectStore() s3.Config {
	return s3.Config{
		Endpoint:       c.S3.Endpoint,
		AccessKey:      c.S3.AccessKey,
		SecretKey:      c.S3.SecretKey,
		Region:         c.S3.Region,
		DisableTLS:     c.S3.DisableTLS,
		ForcePathStyle: c.S3.ForcePathStyle,
	}
}
