package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/sessionguard/internal/app"
	iauth "github.com/charlesng35/sessionguard/internal/auth"
	"github.com/charlesng35/sessionguard/internal/middleware"
	"github.com/charlesng35/sessionguard/internal/security"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(svc *security.Service, verifier *iauth.TokenVerifier, cfg *app.Config) (*gin.Engine, error) {
	if svc == nil {
		return nil, fmt.Errorf("security service must be provided")
	}
	if verifier == nil {
		return nil, fmt.Errorf("token verifier must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, svc, cfg)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(verifier, svc))

	registerSecurityRoutes(api, svc)
	registerDashboardRoutes(api, svc)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
