package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/keygate/internal/health"
	"github.com/sandeepkv93/keygate/internal/http/handler"
	"github.com/sandeepkv93/keygate/internal/http/middleware"
	"github.com/sandeepkv93/keygate/internal/http/response"
	"github.com/sandeepkv93/keygate/internal/security"
)

type Dependencies struct {
	VisitorHandler      *handler.VisitorHandler
	OwnerHandler        *handler.OwnerHandler
	OwnerTokens         *security.OwnerTokenManager
	CORSOrigins         []string
	BodyLimitBytes      int64
	APIRateLimitRPM     int
	VisitorRateLimitRPM int
	OwnerRateLimitRPM   int
	GlobalRateLimiter   GlobalRateLimiterFunc
	VisitorRateLimiter  VisitorRateLimiterFunc
	OwnerRateLimiter    OwnerRateLimiterFunc
	Readiness           *health.ProbeRunner
	EnableOTelHTTP      bool
}

type GlobalRateLimiterFunc func(http.Handler) http.Handler
type VisitorRateLimiterFunc func(http.Handler) http.Handler
type OwnerRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	bodyLimit := dep.BodyLimitBytes
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(bodyLimit))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute, "api", middleware.OwnerOrIPKey).Middleware())
	}

	visitorLimiter := dep.VisitorRateLimiter
	if visitorLimiter == nil {
		visitorLimiter = middleware.NewRateLimiter(dep.VisitorRateLimitRPM, time.Minute, "visitor", middleware.OwnerOrIPKey).Middleware()
	}
	ownerLimiter := dep.OwnerRateLimiter
	if ownerLimiter == nil {
		ownerLimiter = middleware.NewRateLimiter(dep.OwnerRateLimitRPM, time.Minute, "owner", middleware.OwnerOrIPKey).Middleware()
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if v := dep.VisitorHandler; v != nil {
			r.Group(func(r chi.Router) {
				r.Use(visitorLimiter)
				r.Get("/keysystems/{id}", v.Keysystem)
				r.Get("/keysystems/{id}/keys/{value}", v.ValidateKey)
				r.Get("/callbacks/{provider}", v.Callback)
				r.Route("/keysystems/{id}/sessions/{sid}", func(r chi.Router) {
					r.Get("/", v.Session)
					r.Delete("/", v.Destroy)
					r.Post("/start", v.Start)
					r.Post("/complete", v.Complete)
					r.Post("/claim", v.Claim)
				})
			})
		}

		if o := dep.OwnerHandler; o != nil {
			r.Route("/owner/keysystems", func(r chi.Router) {
				r.Use(middleware.OwnerAuth(dep.OwnerTokens))
				r.Use(ownerLimiter)
				r.Get("/", o.List)
				r.Post("/", o.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", o.Get)
					r.Patch("/", o.Update)
					r.Delete("/", o.Delete)
					r.Post("/checkpoints", o.InsertCheckpoint)
					r.Post("/checkpoints/reorder", o.ReorderCheckpoint)
					r.Delete("/checkpoints/{position}", o.RemoveCheckpoint)
					r.Get("/keys", o.ListKeys)
					r.Delete("/keys", o.DeleteKeysByOwner)
					r.Delete("/keys/{value}", o.DeleteKey)
				})
			})
		}
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
