package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionguard/internal/fingerprint"
	"github.com/charlesng35/sessionguard/internal/middleware"
	"github.com/charlesng35/sessionguard/internal/security"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/response"
	"github.com/charlesng35/sessionguard/pkg/validator"
)

type blacklistRequest struct {
	JTI      string         `json:"jti" validate:"required"`
	Reason   string         `json:"reason" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

type removeBlacklistRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type revokeRequest struct {
	JTI      string         `json:"jti" validate:"required"`
	Reason   string         `json:"reason" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

type registerSessionRequest struct {
	ExpiresAt time.Time      `json:"expires_at" validate:"required"`
	Extra     map[string]any `json:"extra"`
}

type logEventRequest struct {
	Action     string         `json:"action" validate:"required"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Severity   string         `json:"severity"`
	Details    map[string]any `json:"details"`
}

func registerSecurityRoutes(api *gin.RouterGroup, svc *security.Service) {
	sec := api.Group("/security")

	sec.POST("/blacklist", func(c *gin.Context) {
		var req blacklistRequest
		if !bindAndValidate(c, &req) {
			return
		}
		result, err := svc.BlacklistJTI(c.Request.Context(), req.JTI, req.Reason, req.Metadata)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, result)
	})

	sec.GET("/blacklist/:jti", func(c *gin.Context) {
		status, err := svc.IsJTIBlacklisted(c.Request.Context(), c.Param("jti"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, status)
	})

	sec.DELETE("/blacklist/:jti", func(c *gin.Context) {
		var req removeBlacklistRequest
		if !bindAndValidate(c, &req) {
			return
		}
		result, err := svc.RemoveFromBlacklist(c.Request.Context(), c.Param("jti"), req.Reason)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, result)
	})

	sec.POST("/revoke", func(c *gin.Context) {
		var req revokeRequest
		if !bindAndValidate(c, &req) {
			return
		}
		result, err := svc.RevokeSessionWithAudit(c.Request.Context(), req.JTI, req.Reason, req.Metadata)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, result)
	})

	sec.POST("/sessions", func(c *gin.Context) {
		var req registerSessionRequest
		if !bindAndValidate(c, &req) {
			return
		}
		sessCtx := sessionContextFromRequest(c, svc, req.Extra)
		result, err := svc.RegisterSession(c.Request.Context(), sessCtx, req.ExpiresAt)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusCreated, result)
	})

	sec.POST("/enforce", func(c *gin.Context) {
		sessCtx := sessionContextFromRequest(c, svc, nil)
		result, err := svc.EnforceSessionLimits(c.Request.Context(), sessCtx.UserID, sessCtx)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, result)
	})

	sec.GET("/anomalies/travel", func(c *gin.Context) {
		sessCtx := sessionContextFromRequest(c, svc, nil)
		check, err := svc.DetectImpossibleTravel(c.Request.Context(), sessCtx.UserID, sessCtx, time.Now())
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, check)
	})

	sec.GET("/anomalies/patterns", func(c *gin.Context) {
		report, err := svc.DetectSuspiciousPatterns(c.Request.Context(), c.GetString(middleware.CtxUserIDKey))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, report)
	})

	sec.GET("/devices/recognized", func(c *gin.Context) {
		fp := c.Query("fingerprint")
		if fp == "" {
			fp = sessionContextFromRequest(c, svc, nil).Fingerprint.StableFingerprint
		}
		result, err := svc.IsDeviceRecognized(c.Request.Context(), c.GetString(middleware.CtxUserIDKey), fp)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, result)
	})

	sec.POST("/events", func(c *gin.Context) {
		var req logEventRequest
		if !bindAndValidate(c, &req) {
			return
		}
		userID := c.GetString(middleware.CtxUserIDKey)
		entry := security.AuditEntry{
			Action:     req.Action,
			TargetType: req.TargetType,
			TargetID:   req.TargetID,
			Severity:   req.Severity,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Details:    req.Details,
		}
		if userID != "" {
			entry.ActorUserID = &userID
		}
		correlationID, err := svc.LogSecurityEvent(c.Request.Context(), entry)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusCreated, gin.H{"correlation_id": correlationID})
	})

	sec.POST("/cleanup", func(c *gin.Context) {
		stats, err := svc.PerformCleanup(c.Request.Context())
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, stats)
	})
}

// sessionContextFromRequest assembles the caller's session context from the
// verified claims and the raw request signals.
func sessionContextFromRequest(c *gin.Context, svc *security.Service, extra map[string]any) security.SessionContext {
	headers := map[string]string{
		"accept-language": c.GetHeader("Accept-Language"),
		"accept-encoding": c.GetHeader("Accept-Encoding"),
		"connection":      c.GetHeader("Connection"),
	}

	fp := svc.GenerateFingerprint(fingerprint.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Headers:   headers,
	}, extra)

	sessCtx := security.SessionContext{
		JTI:         c.GetString(middleware.CtxJTIKey),
		UserID:      c.GetString(middleware.CtxUserIDKey),
		IP:          c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Fingerprint: &fp,
	}
	if orgID := c.GetString(middleware.CtxOrgIDKey); orgID != "" {
		sessCtx.OrgID = &orgID
	}
	return sessCtx
}

func bindAndValidate(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, apperrors.NewValidation("invalid request body"))
		return false
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewValidation(err.Error()))
		return false
	}
	return true
}
