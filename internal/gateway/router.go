// ABOUTME: HTTP router wiring for the gateway using chi and its middleware stack
// ABOUTME: Mounts WebSocket, auth, history, roster, health, and metrics routes

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/metrics"
)

// maxBodySize bounds JSON request bodies on the auth endpoints.
const maxBodySize = 8 << 10

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	// Metrics first so every request is counted
	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(g.logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(g.config.Server.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Get("/ws/user", g.handleUserSocket)
	r.With(auth.RequireAgent(g.accounts)).Get("/ws/agent", g.handleAgentSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", g.handleListAgents)
		r.Get("/messages/history", g.handleHistory)

		r.Group(func(r chi.Router) {
			r.Use(chimw.RequestSize(maxBodySize))
			r.Post("/auth/agent/register", g.accounts.HandleRegister)
			r.Post("/auth/agent/login", g.accounts.HandleLogin)
		})
	})

	return r
}

// corsOrigins defaults to no cross-origin access when nothing is configured.
func corsOrigins(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{}
	}
	return allowed
}

// requestLogger logs one line per completed request.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
