package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the complete request handler: routes plus the middleware
// chain. Exposed separately from Start so tests can serve it over an
// in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		bearerAuth(g.keys, "/health", "/readiness", "/metrics"),
		bodyLimit(g.maxBodyBytes),
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler: g.Handler(mgmt),
		// Write timeout must cover the longest streaming response.
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute,
		MaxRequestBodySize: g.maxBodyBytes + 1<<20,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReadiness reports whether the proxy can serve traffic: the upstream
// credential broker must be able to produce a token.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.tokens != nil {
		if _, _, err := g.tokens.Token(ctx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "upstream authorization"})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}
