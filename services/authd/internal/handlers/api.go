// Package handlers exposes the auth service over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"stockgate/pkg/telemetry"
	"stockgate/services/authd/internal/accounts"
	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/auth"
	"stockgate/services/authd/internal/mailer"
	"stockgate/services/authd/internal/metrics"
	authmw "stockgate/services/authd/internal/middleware"
	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/session"
)

const (
	defaultAuthRateLimit = 20
	globalRateLimit      = 300
	requestTimeout       = 60 * time.Second
)

// SMTPProbe checks the mail relay on demand.
type SMTPProbe interface {
	Verify(ctx context.Context) error
	Diagnose(ctx context.Context) mailer.Diagnostics
}

// Options wires the services behind the HTTP API.
type Options struct {
	Auth     *auth.Service
	Accounts *accounts.Service
	Audit    *audit.Query
	Sessions authmw.Verifier
	Cookies  session.CookiePolicy

	// SMTP is nil when no relay is configured.
	SMTP            SMTPProbe
	SMTPDiagnostics bool

	// Ready reports whether dependencies are reachable.
	Ready func(ctx context.Context) error

	AllowedOrigins []string
	AuthRateLimit  int
	ServiceName    string
	Logger         zerolog.Logger
}

// API holds the handler dependencies.
type API struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options) (*API, error) {
	switch {
	case opts.Auth == nil:
		return nil, errors.New("auth service is required")
	case opts.Accounts == nil:
		return nil, errors.New("accounts service is required")
	case opts.Audit == nil:
		return nil, errors.New("audit query is required")
	case opts.Sessions == nil:
		return nil, errors.New("session verifier is required")
	}
	if opts.AuthRateLimit <= 0 {
		opts.AuthRateLimit = defaultAuthRateLimit
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "authd"
	}
	if opts.Ready == nil {
		opts.Ready = func(context.Context) error { return nil }
	}
	return &API{opts: opts, logger: opts.Logger}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(a.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(a.opts.ServiceName))
	r.Use(metrics.Instrument)
	r.Use(middleware.Timeout(requestTimeout))

	allowed := a.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.LimitByIP(globalRateLimit, time.Minute))

	r.Get("/health", a.handleHealth)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	requireSession := authmw.RequireSession(a.opts.Sessions)
	adminOnly := authmw.RequireRoles(models.RoleAdmin)

	r.Route("/auth", func(r chi.Router) {
		// Only the credential and code endpoints share the tight per-IP budget.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.opts.AuthRateLimit, time.Minute))

			r.Post("/login", a.handleLogin)
			r.Post("/verify-otp", a.handleVerifyCode)
			r.Post("/resend-otp", a.handleResendCode)

			if a.opts.SMTPDiagnostics {
				r.Get("/smtp-check", a.handleSMTPCheck)
				r.Get("/smtp-diagnostics", a.handleSMTPDiagnostics)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Get("/me", a.handleMe)
			r.Post("/logout", a.handleLogout)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(requireSession, adminOnly)
		r.Get("/", a.handleListUsers)
		r.Post("/", a.handleCreateUser)
		r.Get("/{id}", a.handleGetUser)
		r.Put("/{id}", a.handleUpdateUser)
		r.Delete("/{id}", a.handleDeleteUser)
	})

	r.Route("/audit-logs", func(r chi.Router) {
		r.Use(requireSession, adminOnly)
		r.Get("/", a.handleListAuditLogs)
	})

	return r, nil
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.opts.Ready(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("not ready")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
