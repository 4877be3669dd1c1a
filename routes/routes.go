package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upb/oap-policy-engine/app"
	"github.com/upb/oap-policy-engine/handlers"
	"github.com/upb/oap-policy-engine/middleware"
	"github.com/upb/oap-policy-engine/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout(deps)))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.AgentPassportHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(nil, deps.Logger)
	if deps.DB != nil {
		health = handlers.NewHealthHandler(deps.DB.DB, deps.Logger)
	}
	for name, check := range deps.ReadinessChecks() {
		health.WithCheck(name, check)
	}
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled && deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	decisions := handlers.NewDecisionHandler(deps.Decisions, throttle(deps, "decide"), deps.Logger)
	policies := handlers.NewPolicyHandler(deps.Decisions, deps.Logger)
	usage := handlers.NewUsageHandler(deps.Usage, throttle(deps, "usage"), deps.Logger)

	r.Post("/api/verify/policy/{policy_id}", decisions.HandleVerifyPolicy)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/decide", decisions.HandleDecide)

		r.Get("/policies", policies.HandleListPolicies)
		r.Get("/policies/{policy_id}", policies.HandleGetPolicy)

		r.Post("/usage", usage.HandleRecordUsage)
		r.Get("/usage", usage.HandleGetUsage)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteJSON(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
			Error:   "method_not_allowed",
			Message: r.Method + " is not allowed on " + r.URL.Path,
		})
	})

	return r
}

// Enforce wraps next so it only runs when policyID allows the calling
// agent. Services embedding the engine mount their own routes with it.
func Enforce(deps *app.Dependencies, policyID string, next http.Handler) http.Handler {
	m := middleware.NewPolicyEnforcementMiddleware(deps.Decisions, throttle(deps, policyID), deps.Logger)
	return m.RequirePolicy(policyID, middleware.BodyContext)(next)
}

// throttle returns the per-agent limiter counted under route, or nil when
// throttling is off
func throttle(deps *app.Dependencies, route string) middleware.AgentLimiter {
	if !deps.RateLimit.Enabled() {
		return nil
	}
	return middleware.LimiterFunc(func(agentID string) error {
		err := deps.RateLimit.Allow(agentID)
		if err != nil {
			deps.Metrics.Throttled(route)
		}
		return err
	})
}

func requestTimeout(deps *app.Dependencies) time.Duration {
	if t := deps.Config.Server.WriteTimeout; t > 0 {
		return t
	}
	return 30 * time.Second
}
