package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/health"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/handler"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/middleware"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
)

type Dependencies struct {
	SessionHandler    *handler.SessionHandler
	MessageHandler    *handler.MessageHandler
	Gateway           http.Handler
	TokenVerifier     security.TokenVerifier
	CORSOrigins       []string
	APIRateLimitRPM   int
	WSConnectRateRPM  int
	RateLimitBackend  middleware.Limiter
	GlobalRateLimiter GlobalRateLimiterFunc
	WSRateLimiter     WSRateLimiterFunc
	Readiness         *health.ProbeRunner
	EnableOTelHTTP    bool
	Logger            *slog.Logger
}

type GlobalRateLimiterFunc func(http.Handler) http.Handler
type WSRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger(dep.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))

	wsLimiter := dep.WSRateLimiter
	if wsLimiter == nil {
		wsLimiter = middleware.NewRateLimiter(dep.RateLimitBackend, "ws_connect",
			middleware.RateLimitPolicy{Limit: dep.WSConnectRateRPM, Window: time.Minute},
			middleware.SubjectOrIPKeyFunc(dep.TokenVerifier)).Middleware()
	}
	if dep.Gateway != nil {
		r.With(wsLimiter).Get("/ws", dep.Gateway.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BodyLimit(1 << 20))
		if dep.GlobalRateLimiter != nil {
			r.Use(dep.GlobalRateLimiter)
		} else {
			r.Use(middleware.NewRateLimiter(dep.RateLimitBackend, "api",
				middleware.RateLimitPolicy{Limit: dep.APIRateLimitRPM, Window: time.Minute},
				middleware.SubjectOrIPKeyFunc(dep.TokenVerifier)).Middleware())
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
			r.Use(middleware.AuthMiddleware(dep.TokenVerifier))
			r.Use(middleware.CSRFMiddleware)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", dep.SessionHandler.Create)
				r.Get("/", dep.SessionHandler.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", dep.SessionHandler.Get)
					r.Patch("/", dep.SessionHandler.Update)
					r.Delete("/", dep.SessionHandler.Delete)
					r.Post("/touch", dep.SessionHandler.Touch)
					r.Post("/expire", dep.SessionHandler.Expire)

					r.Post("/messages", dep.MessageHandler.Append)
					r.Get("/messages", dep.MessageHandler.List)
					r.Delete("/messages", dep.MessageHandler.Clear)
					r.Get("/messages/count", dep.MessageHandler.Count)
				})
			})
			r.Route("/messages/{message_id}", func(r chi.Router) {
				r.Get("/", dep.MessageHandler.Get)
				r.Patch("/", dep.MessageHandler.Update)
				r.Delete("/", dep.MessageHandler.Delete)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
