package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/merchkit/loyalty/internal/shopify"
	"github.com/merchkit/loyalty/pkg/loyalty"
)

const (
	headerWebhookHMAC = "X-Shopify-Hmac-Sha256"
	headerWebhookShop = "X-Shopify-Shop-Domain"

	shopContextKey        = "webhook_shop"
	webhookBodyContextKey = "webhook_body"
)

type redeemRequest struct {
	Points         int64  `json:"points" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

type redemptionResponse struct {
	RedemptionID   string    `json:"redemption_id"`
	Code           string    `json:"code"`
	DiscountNodeID string    `json:"discount_node_id"`
	Points         int64     `json:"points"`
	ValueCents     int64     `json:"value_cents"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type appliedRequest struct {
	Code string `json:"code" binding:"required"`
}

type sweepRequest struct {
	Job string `json:"job" binding:"required"`
}

type ledgerEntryResponse struct {
	Type        string    `json:"type"`
	Delta       int64     `json:"delta"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type loyaltyPayloadResponse struct {
	Balance          int64                 `json:"balance"`
	LifetimeEarned   int64                 `json:"lifetime_earned"`
	LifetimeRedeemed int64                 `json:"lifetime_redeemed"`
	RedemptionSteps  []int64               `json:"redemption_steps"`
	ActiveRedemption *redemptionResponse   `json:"active_redemption,omitempty"`
	RecentLedger     []ledgerEntryResponse `json:"recent_ledger"`
}

func (server *Server) handleLoyaltyPayload(ginCtx *gin.Context) {
	identity, ok := callerIdentity(ginCtx)
	if !ok {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	payload, err := server.service.Payload(ginCtx.Request.Context(), identity.Shop, identity.CustomerID)
	if err != nil {
		server.logger.Warn("loyalty payload failed", zap.String("shop", identity.Shop), zap.Error(err))
		ginCtx.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	response := loyaltyPayloadResponse{
		Balance:          payload.Balance.Balance,
		LifetimeEarned:   payload.Balance.LifetimeEarned,
		LifetimeRedeemed: payload.Balance.LifetimeRedeemed,
		RedemptionSteps:  payload.Settings.RedemptionSteps,
		RecentLedger:     make([]ledgerEntryResponse, 0, len(payload.RecentLedger)),
	}
	if payload.ActiveRedemption != nil {
		active := toRedemptionResponse(*payload.ActiveRedemption)
		response.ActiveRedemption = &active
	}
	for _, entry := range payload.RecentLedger {
		response.RecentLedger = append(response.RecentLedger, ledgerEntryResponse{
			Type:        entry.Type.String(),
			Delta:       entry.Delta,
			Source:      entry.Source.String(),
			Description: entry.Description,
			CreatedAt:   entry.CreatedAt,
		})
	}
	ginCtx.JSON(http.StatusOK, response)
}

func (server *Server) handleRedeem(ginCtx *gin.Context) {
	identity, ok := callerIdentity(ginCtx)
	if !ok {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request redeemRequest
	if err := ginCtx.ShouldBindJSON(&request); err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	redemption, err := server.service.IssueRedemptionCode(ginCtx.Request.Context(), identity.Shop, identity.CustomerID, request.Points, request.IdempotencyKey)
	if err != nil {
		server.logger.Warn("redemption failed",
			zap.String("shop", identity.Shop),
			zap.Int64("points", request.Points),
			zap.Error(err))
		ginCtx.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	ginCtx.JSON(http.StatusOK, toRedemptionResponse(redemption))
}

func (server *Server) handleRedemptionStatus(ginCtx *gin.Context) {
	identity, ok := callerIdentity(ginCtx)
	if !ok {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	redemption, err := server.service.Redemption(ginCtx.Request.Context(), identity.Shop, identity.CustomerID, ginCtx.Param("id"))
	if err != nil {
		ginCtx.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	ginCtx.JSON(http.StatusOK, toRedemptionResponse(redemption))
}

func (server *Server) handleRedemptionApplied(ginCtx *gin.Context) {
	identity, ok := callerIdentity(ginCtx)
	if !ok {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request appliedRequest
	if err := ginCtx.ShouldBindJSON(&request); err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := server.service.MarkRedemptionApplied(ginCtx.Request.Context(), identity.Shop, identity.CustomerID, request.Code); err != nil {
		ginCtx.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	ginCtx.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (server *Server) handleSweep(ginCtx *gin.Context) {
	var request sweepRequest
	if err := ginCtx.ShouldBindJSON(&request); err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := server.service.RunSweep(ginCtx.Request.Context(), request.Job)
	if err != nil {
		sweepRunsTotal.WithLabelValues(request.Job, "error").Inc()
		ginCtx.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	sweepRunsTotal.WithLabelValues(request.Job, "ok").Inc()
	ginCtx.JSON(http.StatusOK, gin.H{
		"expired_count":   result.ExpiredCount,
		"points_restored": result.PointsRestored,
	})
}

// webhookMiddleware verifies the HMAC signature over the raw body and stashes
// body and shop for the topic handlers.
func (server *Server) webhookMiddleware() gin.HandlerFunc {
	return func(ginCtx *gin.Context) {
		body, err := io.ReadAll(ginCtx.Request.Body)
		if err != nil {
			ginCtx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if !shopify.VerifyWebhookHMAC(server.config.WebhookSecret, body, ginCtx.GetHeader(headerWebhookHMAC)) {
			ginCtx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		shop := ginCtx.GetHeader(headerWebhookShop)
		if shop == "" {
			ginCtx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing shop domain"})
			return
		}
		ginCtx.Set(shopContextKey, shop)
		ginCtx.Set(webhookBodyContextKey, body)
		ginCtx.Next()
	}
}

func webhookPayload(ginCtx *gin.Context) (string, []byte) {
	return ginCtx.GetString(shopContextKey), ginCtx.MustGet(webhookBodyContextKey).([]byte)
}

// Webhook handlers acknowledge processing failures with 200 after logging:
// the idempotency keys already absorb safe redelivery, and endless platform
// retries of a poisoned payload help nobody. Only malformed payloads get 400.

func (server *Server) handleOrdersPaid(ginCtx *gin.Context) {
	shop, body := webhookPayload(ginCtx)
	event, err := shopify.NormalizeOrderPaid(shop, body)
	if err != nil {
		webhookEventsTotal.WithLabelValues("orders-paid", "malformed").Inc()
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := server.service.HandleOrderPaid(ginCtx.Request.Context(), event)
	if err != nil {
		webhookEventsTotal.WithLabelValues("orders-paid", "error").Inc()
		server.logger.Error("order-paid processing failed",
			zap.String("shop", shop),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		ginCtx.JSON(http.StatusOK, gin.H{"status": "recorded"})
		return
	}
	webhookEventsTotal.WithLabelValues("orders-paid", string(outcome)).Inc()
	ginCtx.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

func (server *Server) handleRefundsCreate(ginCtx *gin.Context) {
	shop, body := webhookPayload(ginCtx)
	event, err := shopify.NormalizeRefundCreated(shop, body)
	if err != nil {
		webhookEventsTotal.WithLabelValues("refunds-create", "malformed").Inc()
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reversed, err := server.service.HandleRefundCreated(ginCtx.Request.Context(), event)
	if err != nil {
		webhookEventsTotal.WithLabelValues("refunds-create", "error").Inc()
		server.logger.Error("refund processing failed",
			zap.String("shop", shop),
			zap.String("refund_id", event.RefundID),
			zap.Error(err))
		ginCtx.JSON(http.StatusOK, gin.H{"status": "recorded"})
		return
	}
	webhookEventsTotal.WithLabelValues("refunds-create", "ok").Inc()
	ginCtx.JSON(http.StatusOK, gin.H{"status": "ok", "points_reversed": reversed})
}

func (server *Server) handleOrdersCancelled(ginCtx *gin.Context) {
	shop, body := webhookPayload(ginCtx)
	event, err := shopify.NormalizeOrderCancelled(shop, body)
	if err != nil {
		webhookEventsTotal.WithLabelValues("orders-cancelled", "malformed").Inc()
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reversed, err := server.service.HandleOrderCancelled(ginCtx.Request.Context(), event)
	if err != nil {
		webhookEventsTotal.WithLabelValues("orders-cancelled", "error").Inc()
		server.logger.Error("cancellation processing failed",
			zap.String("shop", shop),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		ginCtx.JSON(http.StatusOK, gin.H{"status": "recorded"})
		return
	}
	webhookEventsTotal.WithLabelValues("orders-cancelled", "ok").Inc()
	ginCtx.JSON(http.StatusOK, gin.H{"status": "ok", "points_reversed": reversed})
}

func toRedemptionResponse(redemption loyalty.Redemption) redemptionResponse {
	return redemptionResponse{
		RedemptionID:   redemption.RedemptionID,
		Code:           redemption.Code,
		DiscountNodeID: redemption.DiscountNodeID,
		Points:         redemption.Points,
		ValueCents:     redemption.ValueCents,
		Status:         redemption.Status.String(),
		ExpiresAt:      redemption.ExpiresAt,
	}
}
