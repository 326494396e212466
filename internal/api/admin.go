package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/payment"
	"github.com/callkitelabs/callkite-cloud/internal/taskqueue"
)

// ListDeadLetters pages through the dead letter queue, open entries by
// default.
func (r *Router) ListDeadLetters(c *gin.Context) {
	status := taskqueue.DeadLetterStatus(c.DefaultQuery("status", string(taskqueue.DLQStatusOpen)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := r.jobs.ListDLQ(c.Request.Context(), status, limit, offset)
	if err != nil {
		r.logger.Error("dlq_list_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// ReplayDeadLetter re-enqueues a buried job and links the fresh job back to
// its entry.
func (r *Router) ReplayDeadLetter(c *gin.Context) {
	dlqID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || dlqID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	jobID, err := r.jobs.Replay(c.Request.Context(), dlqID)
	if err != nil {
		r.logger.Error("dlq_replay_failed", zap.Int64("dlq_id", dlqID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": strconv.FormatInt(jobID, 10)})
}

// RequestPayment starts a collection attempt on a call from the operator
// surface.
func (r *Router) RequestPayment(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	var params payment.RequestParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result, err := r.payments.RequestPayment(c.Request.Context(), callID, params)
	if err != nil {
		r.logger.Error("payment_request_failed", zap.Int64("call_id", callID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

// GetPaymentSession reads the payment status of a call.
func (r *Router) GetPaymentSession(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	view, err := r.payments.Session(c.Request.Context(), callID)
	if err != nil {
		r.logger.Error("payment_session_read_failed", zap.Int64("call_id", callID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call_not_found"})
		return
	}

	c.JSON(http.StatusOK, view)
}

// ListAuditEvents returns the payment transition trail for a call, oldest
// first.
func (r *Router) ListAuditEvents(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := r.audits.ListByCall(c.Request.Context(), callID, limit)
	if err != nil {
		r.logger.Error("audit_list_failed", zap.Int64("call_id", callID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// RateLimitStatus reports the last cached budget decision for an actor
// without consuming from it.
func (r *Router) RateLimitStatus(c *gin.Context) {
	scope := c.Query("scope")
	actor := c.Query("actor")
	if scope == "" || actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope and actor are required"})
		return
	}

	decision, ok := r.limits.Status(scope, actor)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"known": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"known":       true,
		"allowed":     decision.Allowed,
		"count":       decision.Count,
		"retry_after": decision.RetryAfter.Milliseconds(),
	})
}
