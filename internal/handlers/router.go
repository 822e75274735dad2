package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"finitefield.org/order-engine/internal/platform/httpx"
)

const (
	apiPrefix      = "/v1"
	requestTimeout = 60 * time.Second
	ordersPattern  = "/tenants/{tenantID}/stores/{storeID}/orders"
)

// scopeIDPattern bounds tenant and store identifiers. They become part of Firestore
// document keys and order numbers, so separators and whitespace are rejected.
var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Option customises the router before construction.
type Option func(*routerConfig)

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	orders      RouteRegistrar
	webhooks    RouteRegistrar
	internal    RouteRegistrar
}

type routeGroup struct {
	path        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

// NewRouter builds the chi router: probes at the root, and the order, webhook and
// scheduler groups under /v1. Groups without a registrar are not mounted.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.CleanPath, middleware.Timeout(requestTimeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("NOT_FOUND", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("METHOD_NOT_ALLOWED", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	groups := []routeGroup{
		{path: ordersPattern, registrar: cfg.orders, middlewares: []func(http.Handler) http.Handler{requireScope}},
		{path: "/webhooks", registrar: cfg.webhooks, middlewares: []func(http.Handler) http.Handler{middleware.AllowContentType("application/json")}},
		{path: "/internal", registrar: cfg.internal},
	}
	r.Route(apiPrefix, func(api chi.Router) {
		for _, g := range groups {
			if g.registrar == nil {
				continue
			}
			api.Route(g.path, func(sub chi.Router) {
				sub.Use(g.middlewares...)
				g.registrar(sub)
			})
		}
	})
	return r
}

// requireScope rejects malformed tenant or store path segments before any handler runs.
func requireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, param := range []string{"tenantID", "storeID"} {
			if value := chi.URLParam(r, param); !scopeIDPattern.MatchString(value) {
				httpx.WriteError(r.Context(), w, httpx.NewError("VALIDATION", fmt.Sprintf("invalid %s %q", param, value), http.StatusBadRequest))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// WithMiddlewares appends global middleware after the built-in request id, real ip,
// path cleaning and timeout middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithOrderRoutes mounts tenant and store scoped order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.orders = reg }
}

// WithWebhookRoutes mounts PSP callbacks under /v1/webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks = reg }
}

// WithInternalRoutes mounts scheduler callbacks under /v1/internal.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.internal = reg }
}
