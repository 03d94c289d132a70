package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	v1 "github.com/civicgov/civicguard/internal/api/v1"
	"github.com/civicgov/civicguard/internal/api/ws"
	"github.com/civicgov/civicguard/internal/auth"
	"github.com/civicgov/civicguard/internal/config"
	"github.com/civicgov/civicguard/internal/server/middleware"
)

const (
	apiPolicy   = "api"
	adminPolicy = "admin_adaptive"
)

// registerAPIRoutes mounts /api/v1 with two authenticated groups: the
// request-path operations for platform services and the admin operations.
func registerAPIRoutes(router chi.Router, cfg *config.Config, deps Deps) {
	var keys middleware.KeyValidator
	if deps.Keys != nil {
		keys = deps.Keys
	}
	var authOpts []middleware.AuthOption
	if deps.Guard != nil {
		authOpts = append(authOpts, middleware.WithFailureRecorder(deps.Guard))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT.Secret, keys, authOpts...))
			r.Use(middleware.RequireRole(auth.RoleAdmin, auth.RoleService))
			r.Use(middleware.RateLimit(deps.Guard, apiPolicy))

			apiConfig := huma.DefaultConfig("CivicGuard API", "1.0.0")
			apiConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			api := humachi.New(r, apiConfig)
			v1.RegisterSecurityRoutes(api, deps.Guard)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT.Secret, keys, authOpts...))
			r.Use(middleware.RequireAdmin())
			r.Use(middleware.RateLimit(deps.Guard, adminPolicy))

			adminConfig := huma.DefaultConfig("CivicGuard Admin API", "1.0.0")
			adminConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			adminConfig.OpenAPIPath = "/admin/openapi"
			adminConfig.DocsPath = "/admin/docs"
			adminConfig.SchemasPath = "/admin/schemas"
			api := humachi.New(r, adminConfig)
			v1.RegisterAdminRoutes(api, deps.Guard)
		})
	})
}

func registerWSRoutes(router chi.Router, cfg *config.Config, deps Deps) {
	if deps.PubSub == nil {
		return
	}
	hub := ws.NewHub(deps.PubSub, originPatterns(cfg.Server.CORSOrigins))
	router.Route("/ws", func(r chi.Router) {
		r.Use(queryToken)
		r.Use(middleware.Auth(cfg.JWT.Secret, nil))
		r.Use(middleware.RequireAdmin())
		r.Get("/threats", hub.ServeThreats)
	})
}

func registerOpsRoutes(router chi.Router, deps Deps) {
	router.Handle("/metrics", promhttp.Handler())

	// Liveness (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				log.Warn().Err(err).Msg("readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
}

// queryToken lets browser clients, which cannot set headers on a WebSocket
// handshake, pass the admin JWT as ?access_token=.
func queryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("access_token"); tok != "" && r.Header.Get("Authorization") == "" {
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		next.ServeHTTP(w, r)
	})
}

// originPatterns turns CORS origins into the host patterns websocket.Accept
// expects.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
