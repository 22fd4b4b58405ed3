package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/asimhafeezz/pm-agent-sub000/internal/config"
	"github.com/asimhafeezz/pm-agent-sub000/internal/integration"
	"github.com/asimhafeezz/pm-agent-sub000/internal/websocket"
)

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, svc *integration.Service, auth *Authenticator, hub *websocket.Hub, limiter *RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	if limiter == nil {
		limiter = NewRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(cfg))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/integrations", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/", HandleListIntegrations(svc))
		r.Get("/events", HandleListEvents(svc))

		// OAuth flow, rate limited per client IP
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(limiter))
			r.Post("/oauth/callback", HandleOAuthCallback(svc))
			r.Post("/{provider}/oauth/start", HandleStartOAuth(svc))
		})

		// Capability-scoped proxy
		r.Get("/project-manager/{provider}/*", HandleForwardProjectManager(svc))
		r.Post("/project-manager/{provider}/*", HandleForwardProjectManager(svc))
		r.Get("/communication/{provider}/*", HandleForwardCommunication(svc))
		r.Post("/communication/{provider}/*", HandleForwardCommunication(svc))
		r.Post("/document-sources/{provider}/{op}", HandleForwardDocumentSource(svc))

		r.Get("/{provider}", HandleGetIntegration(svc))
		r.Delete("/{provider}", HandleDisconnect(svc))
		r.Post("/{provider}/token", HandleConnectToken(svc))
	})

	// WebSocket endpoint
	if hub != nil {
		r.Get("/ws", hub.HandleWebSocket)
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
