package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/fanout/internal/audit/domain"
	distributiondomain "github.com/smallbiznis/fanout/internal/distribution/domain"
	"github.com/smallbiznis/fanout/internal/ratelimit"
)

const idempotencyKeyHeader = "Idempotency-Key"

func (s *Server) bindRewardEvent(c *gin.Context) (distributiondomain.RewardEvent, bool) {
	var event distributiondomain.RewardEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, invalidRequestError())
		return event, false
	}
	if strings.TrimSpace(event.IdempotencyKey) == "" {
		event.IdempotencyKey = strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	}
	if key := strings.TrimSpace(event.IdempotencyKey); key != "" {
		c.Set("batch_id", key)
	}

	if allowed, retryAfter := s.limiter.AllowSource(c.Request.Context(), event.SourceUserID); !allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		AbortWithError(c, ratelimit.ErrRateLimited)
		return event, false
	}
	return event, true
}

// Distribute runs the fan-out synchronously. A batch that is still pending
// is reported with 202 so the caller knows to poll or replay.
func (s *Server) Distribute(c *gin.Context) {
	event, ok := s.bindRewardEvent(c)
	if !ok {
		return
	}

	result, err := s.distributionSvc.Distribute(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == auditdomain.BatchStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (s *Server) EnqueueRewardEvent(c *gin.Context) {
	event, ok := s.bindRewardEvent(c)
	if !ok {
		return
	}

	if err := s.submitter.Submit(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":          "queued",
		"idempotency_key": strings.TrimSpace(event.IdempotencyKey),
	})
}

func (s *Server) GetDistribution(c *gin.Context) {
	batchID := strings.TrimSpace(c.Param("batch_id"))
	c.Set("batch_id", batchID)

	resp, err := s.distributionSvc.GetBatchStatus(c.Request.Context(), batchID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
