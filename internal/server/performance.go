package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	perfdomain "github.com/smallbiznis/fanout/internal/performance/domain"
)

func (s *Server) ListPerformanceMetrics(c *gin.Context) {
	since, err := parseOptionalTime(c.Query("since"))
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "since must be RFC3339"))
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	req := perfdomain.ListRequest{
		Operation: strings.TrimSpace(c.Query("operation")),
		Limit:     limit,
	}
	if since != nil {
		req.Since = *since
	}

	items, err := s.recorder.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
