package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Server builds the fasthttp server with every route and the middleware
// chain. Streaming responses have no write timeout.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: 32 << 20,
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)
	r.POST("/v1/responses", g.handleResponses)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1beta/models/{model_action}", g.handleGemini)
	r.POST("/v1internal:generateContent", g.handleGeminiCLI("generateContent"))
	r.POST("/v1internal:streamGenerateContent", g.handleGeminiCLI("streamGenerateContent"))
	r.POST("/v1internal:countTokens", g.handleGeminiCLI("countTokens"))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/internal/breakers", g.handleBreakers)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return chain(r.Handler,
		g.recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.relay(ctx, inbound{format: providers.FormatClaude, route: "messages"})
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.relay(ctx, inbound{format: providers.FormatResponse, route: "responses"})
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.relay(ctx, inbound{format: providers.FormatOpenAI, route: "chat_completions"})
}

// handleGemini serves /v1beta/models/{model}:{action}.
func (g *Gateway) handleGemini(ctx *fasthttp.RequestCtx) {
	ma, _ := ctx.UserValue("model_action").(string)
	model, action, ok := strings.Cut(ma, ":")
	if !ok || model == "" || action == "" {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"expected /v1beta/models/{model}:{action}", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	g.relay(ctx, inbound{format: providers.FormatGemini, route: "gemini", model: model, action: action})
}

func (g *Gateway) handleGeminiCLI(action string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		g.relay(ctx, inbound{format: providers.FormatGeminiCLI, route: "gemini_cli", action: action})
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.prober == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.prober.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.prober == nil || g.prober.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleBreakers returns the provider, endpoint and vendor-type breaker
// snapshots.
func (g *Gateway) handleBreakers(ctx *fasthttp.RequestCtx) {
	if g.breakers == nil {
		writeJSON(ctx, map[string]any{})
		return
	}
	writeJSON(ctx, g.breakers.Snapshot())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
