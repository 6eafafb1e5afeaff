package server

import (
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/payments"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

type purchaseCreditsRequest struct {
	PlanID string `json:"planId"`
}

func (h *httpHandler) handleCredits(c *gin.Context) {
	account, err := h.users.Get(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": account.Credits, "totalCreation": account.TotalCreation})
}

func (h *httpHandler) handlePlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": payments.Plans()})
}

func (h *httpHandler) handlePurchaseCredits(c *gin.Context) {
	var request purchaseCreditsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c)
		return
	}
	checkout, err := h.payments.StartCheckout(c.Request.Context(), c.GetString(userIDContextKey), request.PlanID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (h *httpHandler) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		h.respondInvalidRequest(c)
		return
	}
	result, err := h.payments.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook rejected", zap.String("event_id", result.EventID), zap.Error(err))
		h.respondError(c, err)
		return
	}
	h.logger.Info("stripe webhook handled",
		zap.String("event_id", result.EventID),
		zap.String("event_type", result.EventType),
		zap.String("outcome", result.Outcome))
	c.JSON(http.StatusOK, gin.H{"received": true})
}
