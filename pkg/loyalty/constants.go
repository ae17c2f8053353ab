package loyalty

import "time"

const (
	operationIssueRedemption   = "issue_redemption"
	operationApplyRedemption   = "apply_redemption"
	operationConsumeRedemption = "consume_redemption"
	operationOrderPaid         = "order_paid"
	operationRefundCreated     = "refund_created"
	operationOrderCancelled    = "order_cancelled"
	operationAdminAdjust       = "admin_adjust"
	operationRedemptionExpiry  = "redemption_expiry"
	operationInactivityExpiry  = "inactivity_expiry"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	// Named sweep jobs. A TTL lock keyed by job name keeps at most one sweep
	// of each kind running system-wide.
	JobRedemptionExpiry = "redemption-expiry"
	JobInactivityExpiry = "inactivity-expiry"

	defaultSweepLockTTL    = 5 * time.Minute
	defaultSweepBatchSize  = 200
	defaultRecentLedger    = 20
	defaultRedemptionHours = 72

	redemptionCodeLength = 12
	centsPerDollar       = 100

	inactivityExpiryDayFormat = "2006-01-02"
)
