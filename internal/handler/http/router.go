package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davideshay/groceries/pkg/health"
	"github.com/davideshay/groceries/pkg/middleware"
	"github.com/davideshay/groceries/internal/auth"
	"github.com/davideshay/groceries/internal/repository"
	"github.com/davideshay/groceries/internal/service"
)

// RouterConfig carries the handler-level wiring for the sync server routes.
type RouterConfig struct {
	Sessions           *service.SessionService
	Resolver           *service.ResolverService
	Documents          repository.DocumentRepository
	JWTManager         *auth.JWTManager
	Health             *health.Handler
	Store              StoreCoordinates
	DBUUID             string
	TombstoneRetention time.Duration
	CORS               CORSConfig
	PprofAllowedCIDRs  []string
	Logger             *slog.Logger
}

// NewRouter creates a chi router with all sync server routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CORS(cfg.CORS))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestLogging(cfg.Logger))
	r.Use(middleware.Tracing("groceries-sync"))
	r.Use(middleware.PrometheusMetrics("sync"))

	// Health check endpoints
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Profiling endpoints, restricted to operator networks.
	if len(cfg.PprofAllowedCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, cfg.Logger)
	}

	authHandler := NewAuthHandler(cfg.Sessions, cfg.Store, cfg.Logger)
	replHandler := NewReplicationHandler(cfg.Documents, cfg.DBUUID, cfg.Logger)
	adminHandler := NewAdminHandler(cfg.Resolver, cfg.TombstoneRetention, cfg.Logger)

	// Availability probe and session issuance are public.
	r.Get("/isavailable", replHandler.IsAvailable)
	r.Group(func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/issuetoken", authHandler.IssueToken)
		r.Post("/refreshtoken", authHandler.RefreshToken)
		r.Post("/registernewuser", authHandler.Register)
	})

	// Token validator that bridges to the internal JWTManager.
	tokenValidator := func(token string) (*middleware.Claims, error) {
		claims, err := cfg.JWTManager.ValidateAccessToken(token)
		if err != nil {
			return nil, err
		}
		return &middleware.Claims{
			Username:   claims.Subject,
			DeviceUUID: claims.DeviceUUID,
			Roles:      claims.Roles,
		}, nil
	}

	// Everything else requires a device-scoped access token with the crud role.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(tokenValidator))
		r.Use(middleware.RequireRole(auth.RoleCRUD))

		r.Group(func(r chi.Router) {
			r.Use(ContentTypeJSON)

			r.Post("/logout", authHandler.Logout)
			r.Post("/checkuserexists", authHandler.CheckUserExists)
			r.Post("/checkuserbyemailexists", authHandler.CheckUserByEmailExists)
			r.Post("/triggerresolveconflicts", adminHandler.TriggerResolveConflicts)
			r.Post("/triggerdbcompact", adminHandler.TriggerDBCompact)
		})

		r.Get("/conflictlog", adminHandler.ConflictLog)

		r.Route("/replicate", func(r chi.Router) {
			r.Get("/changes", replHandler.Changes)
			r.Get("/info", replHandler.Info)
			r.Group(func(r chi.Router) {
				r.Use(ContentTypeJSON)

				r.Post("/bulkget", replHandler.BulkGet)
				r.Post("/bulkdocs", replHandler.BulkDocs)
			})
		})
	})

	return r
}
