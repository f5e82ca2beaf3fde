package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/security"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/response"
)

const defaultDashboardRange = 24 * time.Hour

func registerDashboardRoutes(api *gin.RouterGroup, svc *security.Service) {
	api.GET("/dashboard", func(c *gin.Context) {
		timeRange := defaultDashboardRange
		if raw := c.Query("range"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				response.Error(c, apperrors.NewValidation("range must be a positive duration"))
				return
			}
			timeRange = parsed
		}

		data, err := svc.DashboardData(c.Request.Context(), timeRange)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, data)
	})
}
