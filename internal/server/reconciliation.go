package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billsync/internal/billing/reconciliation"
)

type runScopeRequest struct {
	Provider     string `json:"provider"`
	RunnerID     string `json:"runner_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// HandleRunReconciliationScope triggers one scope outside the cron schedule. A run skipped
// because another runner holds the lease still answers 200 with status "skipped".
func (s *Server) HandleRunReconciliationScope(c *gin.Context) {
	var req runScopeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if v := strings.TrimSpace(c.Query("provider")); v != "" {
		req.Provider = v
	}
	if v := strings.TrimSpace(c.Query("runner_id")); v != "" {
		req.RunnerID = v
	}
	if v := strings.TrimSpace(c.Query("lease_seconds")); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			AbortWithError(c, newValidationError("lease_seconds", "invalid_lease_seconds", "invalid lease seconds"))
			return
		}
		req.LeaseSeconds = seconds
	}
	if req.LeaseSeconds < 0 {
		AbortWithError(c, newValidationError("lease_seconds", "invalid_lease_seconds", "invalid lease seconds"))
		return
	}
	if req.RunnerID == "" {
		req.RunnerID = s.cfg.RunnerID
	}

	result, err := s.runner.RunScope(c.Request.Context(), reconciliation.RunScopeRequest{
		Provider:     req.Provider,
		Scope:        strings.TrimSpace(c.Param("scope")),
		RunnerID:     req.RunnerID,
		LeaseSeconds: req.LeaseSeconds,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
