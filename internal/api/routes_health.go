package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/security"
)

func registerHealthRoutes(r *gin.Engine, svc *security.Service, cfg *app.Config) {
	if !cfg.Monitoring.Health.Enabled {
		r.GET("/health", disabledHealthHandler)
		r.GET("/api/health", disabledHealthHandler)
		return
	}

	handler := func(c *gin.Context) {
		status, err := svc.HealthStatus(c.Request.Context())
		httpStatus := http.StatusOK
		if err != nil || !status.Report.Success {
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, gin.H{
			"success":               status.Report.Success,
			"status":                status.Report.Status,
			"checks":                status.Report.Checks,
			"active_sessions":       status.ActiveSessions,
			"blacklist_fail_closed": status.BlacklistFailClosed,
			"checked_at":            time.Now().UTC(),
		})
	}

	r.GET("/health", handler)
	r.GET("/api/health", handler)
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"status":  "disabled",
	})
}
