package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/payment"
	"github.com/callkitelabs/callkite-cloud/internal/sendqueue"
)

func (r *Router) webhookContext(c *gin.Context) payment.WebhookContext {
	return payment.WebhookContext{
		PaymentID: c.GetString("payment_id"),
		Hostname:  c.GetString("hostname"),
	}
}

func callIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("call_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call_id"})
		return 0, false
	}
	return id, true
}

// EnterCollection fires as the provider is about to present its hosted
// payment UI on the call.
func (r *Router) EnterCollection(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	result, err := r.payments.EnterCollection(c.Request.Context(), callID, r.webhookContext(c))
	if err != nil {
		r.logger.Error("enter_collection_failed", zap.Int64("call_id", callID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// CompletePayment is the provider's completion callback. The provider retries
// on non-2xx, so only storage failures surface as 5xx; every refusal is an
// acknowledged result.
func (r *Router) CompletePayment(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	var payload payment.CompletionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result, err := r.payments.HandleCompletion(c.Request.Context(), callID, payload, r.webhookContext(c))
	if err != nil {
		r.logger.Error("payment_completion_failed", zap.Int64("call_id", callID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type providerEvent struct {
	EventID     string          `json:"event_id" binding:"required"`
	EventType   string          `json:"event_type" binding:"required"`
	CallbackURL string          `json:"callback_url"`
	Hostname    string          `json:"hostname"`
	Payload     json.RawMessage `json:"payload"`
}

// ProviderEvent ingests generic provider events with pure dedupe: a replayed
// event id is acknowledged and dropped. Fresh events with a callback URL fan
// out to the tenant through the send queue.
func (r *Router) ProviderEvent(c *gin.Context) {
	var event providerEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	sum := sha256.Sum256(event.Payload)
	fresh, err := r.guard.ReserveEvent(c.Request.Context(), "provider", hex.EncodeToString(sum[:]), event.EventID, 24*time.Hour)
	if err != nil {
		r.logger.Error("event_reserve_failed", zap.String("event_id", event.EventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}

	if event.CallbackURL != "" {
		body, _ := json.Marshal(gin.H{
			"event_id":   event.EventID,
			"event_type": event.EventType,
			"payload":    event.Payload,
		})
		_, err := r.messages.Enqueue(c.Request.Context(), &sendqueue.QueuedMessage{
			MessageType: sendqueue.MessageTypeWebhook,
			Hostname:    event.Hostname,
			Recipient:   event.CallbackURL,
			Body:        body,
			Priority:    sendqueue.PriorityHigh,
			MaxRetries:  r.cfg.SendMaxRetries,
		})
		if err != nil {
			r.logger.Error("event_fanout_enqueue_failed", zap.String("event_id", event.EventID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": false})
}

type messageStatusEvent struct {
	MessageID string `json:"message_id" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

// MessageStatus records delivery receipts for sent messages. Receipt replays
// dedupe on (message id, status).
func (r *Router) MessageStatus(c *gin.Context) {
	var event messageStatusEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	sum := sha256.Sum256([]byte(event.MessageID + ":" + event.Status))
	fresh, err := r.guard.ReserveEvent(c.Request.Context(), "provider", hex.EncodeToString(sum[:]), event.MessageID+":"+event.Status, 24*time.Hour)
	if err != nil {
		r.logger.Error("receipt_reserve_failed", zap.String("message_id", event.MessageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}

	if event.Status == "delivered" {
		if err := r.messages.MarkDelivered(c.Request.Context(), event.MessageID); err != nil {
			r.logger.Error("mark_delivered_failed", zap.String("message_id", event.MessageID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": false})
}
