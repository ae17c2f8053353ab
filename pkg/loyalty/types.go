package loyalty

import (
	"fmt"
	"strings"
	"time"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryEarn     EntryType = "EARN"
	EntryRedeem   EntryType = "REDEEM"
	EntryReversal EntryType = "REVERSAL"
	EntryExpire   EntryType = "EXPIRE"
	EntryAdjust   EntryType = "ADJUST"
)

// ParseEntryType validates a raw entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryEarn, EntryRedeem, EntryReversal, EntryExpire, EntryAdjust:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the raw entry type.
func (entryType EntryType) String() string {
	return string(entryType)
}

// EntrySource tags the origin of a ledger entry.
type EntrySource string

const (
	SourceOrder      EntrySource = "ORDER"
	SourceRedemption EntrySource = "REDEMPTION"
	SourceRefund     EntrySource = "REFUND"
	SourceCancel     EntrySource = "CANCEL"
	SourceExpiry     EntrySource = "EXPIRY"
	SourceAdmin      EntrySource = "ADMIN"
)

// String returns the raw source tag.
func (source EntrySource) String() string {
	return string(source)
}

// LedgerEntry is a single immutable signed point movement.
// The tuple (Shop, CustomerID, Type, Source, SourceID) is unique and acts as
// the idempotency key for external event application.
type LedgerEntry struct {
	EntryID     string
	Shop        string
	CustomerID  string
	Type        EntryType
	Delta       int64
	Source      EntrySource
	SourceID    string
	Description string
	CreatedAt   time.Time
}

// BalanceAggregate is the cached running total per (shop, customer).
// The ledger remains authoritative; on drift the ledger wins.
type BalanceAggregate struct {
	Shop             string
	CustomerID       string
	Balance          int64
	LifetimeEarned   int64
	LifetimeRedeemed int64
	LastActivityAt   time.Time
	ExpiredAt        *time.Time
}

// BalanceDelta describes one atomic balance mutation.
type BalanceDelta struct {
	Delta       int64
	IncEarned   int64
	IncRedeemed int64
}

// RedemptionStatus tracks the redemption lifecycle.
type RedemptionStatus string

const (
	RedemptionIssued   RedemptionStatus = "ISSUED"
	RedemptionApplied  RedemptionStatus = "APPLIED"
	RedemptionConsumed RedemptionStatus = "CONSUMED"
	RedemptionExpired  RedemptionStatus = "EXPIRED"
	RedemptionVoid     RedemptionStatus = "VOID"
)

// String returns the raw status.
func (status RedemptionStatus) String() string {
	return string(status)
}

// Active reports whether the redemption still holds debited points against a
// usable (or pending) discount code.
func (status RedemptionStatus) Active() bool {
	return status == RedemptionIssued || status == RedemptionApplied
}

// Redemption is one issued discount-code grant debited against points.
type Redemption struct {
	RedemptionID    string
	Shop            string
	CustomerID      string
	Points          int64
	ValueCents      int64
	Code            string
	DiscountNodeID  string
	IdemKey         string
	Status          RedemptionStatus
	IssuedAt        time.Time
	ExpiresAt       time.Time
	AppliedAt       *time.Time
	ConsumedAt      *time.Time
	ConsumedOrderID string
	VoidedAt        *time.Time
	RestoredAt      *time.Time
	RestoreReason   string
}

// ActiveAt reports whether the redemption is ISSUED/APPLIED and unexpired.
func (redemption Redemption) ActiveAt(at time.Time) bool {
	return redemption.Status.Active() && redemption.ExpiresAt.After(at)
}

// OrderSnapshot records the earn outcome for one processed order. Its
// uniqueness per (shop, orderID) is the idempotency gate for order-paid
// redelivery and the basis for proportional refund reversal.
type OrderSnapshot struct {
	Shop             string
	OrderID          string
	EligibleNetCents int64
	PointsAwarded    int64
	PointsReversed   int64
}

// RemainingPoints returns the not-yet-reversed share of the award.
func (snapshot OrderSnapshot) RemainingPoints() int64 {
	remaining := snapshot.PointsAwarded - snapshot.PointsReversed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ShopSettings is the per-shop configuration snapshot consumed read-only by
// the engine.
type ShopSettings struct {
	Shop                             string
	EarnRate                         int64
	RedemptionSteps                  []int64
	RedemptionValueCents             map[int64]int64
	RedemptionMinOrderCents          int64
	RedemptionExpiryHours            int64
	PointsExpireInactivityDays       int64
	PreventMultipleActiveRedemptions bool
	RestoreExpiredRedemptions        bool
	ExcludedCustomerTags             []string
	IncludedProductTags              []string
	ExcludedProductTags              []string
	ExcludedCollectionID             string
	EligibleCollectionHandle         string
}

// StepAllowed reports whether points is a configured redemption step.
func (settings ShopSettings) StepAllowed(points int64) bool {
	for _, step := range settings.RedemptionSteps {
		if step == points {
			return true
		}
	}
	return false
}

// StepValueCents resolves the dollar value (in cents) of a redemption step.
func (settings ShopSettings) StepValueCents(points int64) (int64, error) {
	value, ok := settings.RedemptionValueCents[points]
	if !ok {
		return 0, fmt.Errorf("%w: no value configured for %d points", ErrConfiguration, points)
	}
	return value, nil
}

// CustomerExcluded reports whether any of the customer's tags is excluded
// from earning and redeeming.
func (settings ShopSettings) CustomerExcluded(tags []string) bool {
	return tagOverlap(settings.ExcludedCustomerTags, tags)
}

// OrderLine is one normalized order line item.
type OrderLine struct {
	ProductID      string
	ProductTags    []string
	CollectionIDs  []string
	UnitPriceCents int64
	Quantity       int64
	DiscountCents  int64
}

// NetCents returns the line's merchandise value after its discount.
func (line OrderLine) NetCents() int64 {
	net := line.UnitPriceCents*line.Quantity - line.DiscountCents
	if net < 0 {
		return 0
	}
	return net
}

// OrderPaidEvent is the normalized order-paid commerce event.
type OrderPaidEvent struct {
	Shop          string
	OrderID       string
	CustomerID    string
	CustomerTags  []string
	Lines         []OrderLine
	DiscountCodes []string
}

// RefundLine pairs an original order line with the refunded quantity.
type RefundLine struct {
	Line             OrderLine
	RefundedQuantity int64
}

// RefundEvent is the normalized refund-created commerce event.
type RefundEvent struct {
	Shop     string
	RefundID string
	OrderID  string
	Lines    []RefundLine
}

// CancelEvent is the normalized order-cancelled commerce event.
type CancelEvent struct {
	Shop    string
	OrderID string
}

// EarnOutcome summarizes one order-paid application.
type EarnOutcome string

const (
	EarnAwarded          EarnOutcome = "AWARDED"
	EarnSkippedDuplicate EarnOutcome = "SKIPPED_DUPLICATE"
	EarnSkippedExcluded  EarnOutcome = "SKIPPED_EXCLUDED"
	EarnSkippedZero      EarnOutcome = "SKIPPED_ZERO"
)

// CustomerPayload is the storefront view of a customer's loyalty state.
type CustomerPayload struct {
	Balance          BalanceAggregate
	Settings         ShopSettings
	ActiveRedemption *Redemption
	RecentLedger     []LedgerEntry
}

// SweepResult reports one expiry sweep run.
type SweepResult struct {
	ExpiredCount   int64
	PointsRestored int64
}

// DiscountCodeRequest carries everything the remote discount service needs
// to create a customer-bound discount code.
type DiscountCodeRequest struct {
	Shop             string
	Code             string
	CustomerID       string
	ValueCents       int64
	MinSubtotalCents int64
	CollectionID     string
	ExpiresAt        time.Time
}

func validateShopCustomer(shop string, customerID string) error {
	if strings.TrimSpace(shop) == "" {
		return fmt.Errorf("%w: empty shop", ErrInvalidShop)
	}
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("%w: empty customer id", ErrInvalidCustomerID)
	}
	return nil
}

func tagOverlap(configured []string, actual []string) bool {
	if len(configured) == 0 || len(actual) == 0 {
		return false
	}
	lookup := make(map[string]struct{}, len(configured))
	for _, tag := range configured {
		lookup[normalizeTag(tag)] = struct{}{}
	}
	for _, tag := range actual {
		if _, ok := lookup[normalizeTag(tag)]; ok {
			return true
		}
	}
	return false
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
