package loyalty

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. All mutations that pair
// a ledger write with a balance update run inside WithTx so the aggregate can
// never drift from the ledger on a partial failure.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// AppendLedgerEntry inserts an immutable entry. It returns
	// ErrDuplicateEntry when the (shop, customer, type, source, sourceID)
	// tuple already exists; callers treat that as already-applied.
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error

	// ApplyBalanceDelta upserts the aggregate row with atomic increment
	// semantics, clamps the resulting balance at zero, floors lifetime
	// counters at zero, refreshes LastActivityAt, and clears ExpiredAt.
	ApplyBalanceDelta(ctx context.Context, shop string, customerID string, delta BalanceDelta, at time.Time) (BalanceAggregate, error)

	GetBalance(ctx context.Context, shop string, customerID string) (BalanceAggregate, error)
	ListLedgerEntries(ctx context.Context, shop string, customerID string, limit int) ([]LedgerEntry, error)
	FindLedgerEntryBySource(ctx context.Context, shop string, entryType EntryType, source EntrySource, sourceID string) (LedgerEntry, bool, error)

	CreateRedemption(ctx context.Context, redemption Redemption) error
	GetRedemption(ctx context.Context, shop string, redemptionID string) (Redemption, error)
	FindRedemptionByIdemKey(ctx context.Context, shop string, customerID string, idemKey string) (Redemption, bool, error)
	FindActiveRedemption(ctx context.Context, shop string, customerID string, at time.Time) (Redemption, bool, error)
	FindRedemptionByCode(ctx context.Context, shop string, code string) (Redemption, bool, error)

	// TransitionRedemption moves a redemption from one of the allowed
	// statuses to the target status and applies the column updates carried on
	// the passed record (timestamps, discount node id, restore reason).
	// It returns ErrRedemptionClosed when the row is no longer in any of the
	// allowed statuses.
	TransitionRedemption(ctx context.Context, redemption Redemption, allowed []RedemptionStatus) error

	AttachDiscountNode(ctx context.Context, shop string, redemptionID string, discountNodeID string) error

	CreateOrderSnapshot(ctx context.Context, snapshot OrderSnapshot) error
	GetOrderSnapshot(ctx context.Context, shop string, orderID string) (OrderSnapshot, bool, error)

	// AddSnapshotReversal increments the reversed counter only while the
	// total stays within PointsAwarded. It returns ErrReversalExceedsAward
	// when the increment would overshoot (a concurrent reversal won the
	// remaining capacity) and ErrUnknownOrder when no snapshot exists.
	AddSnapshotReversal(ctx context.Context, shop string, orderID string, points int64) error

	ListExpiredRedemptions(ctx context.Context, at time.Time, limit int) ([]Redemption, error)
	ListShopsWithBalances(ctx context.Context) ([]string, error)
	ListInactiveBalances(ctx context.Context, shop string, cutoff time.Time, limit int) ([]BalanceAggregate, error)

	// MarkBalanceExpired zeroes the balance and stamps ExpiredAt without
	// touching LastActivityAt; the inactivity sweep is not customer activity.
	MarkBalanceExpired(ctx context.Context, shop string, customerID string, points int64, at time.Time) error
}

// SettingsProvider yields the per-shop configuration snapshot. Owned by the
// admin configuration workflow; read-only to the engine.
type SettingsProvider interface {
	ShopSettings(ctx context.Context, shop string) (ShopSettings, error)
}

// DiscountService is the remote commerce platform's discount-creation
// capability. Failures surface as ErrRemoteService and trigger local
// compensation in the redemption manager.
type DiscountService interface {
	CreateDiscountCode(ctx context.Context, request DiscountCodeRequest) (string, error)
}

// CustomerDirectory resolves customer tags and collection handles on the
// remote commerce platform.
type CustomerDirectory interface {
	FetchCustomerTags(ctx context.Context, shop string, customerID string) ([]string, error)
	ResolveCollectionByHandle(ctx context.Context, shop string, handle string) (string, error)
}

// Locker is a TTL-bounded mutual-exclusion lock keyed by job name. A stale
// holder is detected by elapsed time, not liveness. Acquire returns
// ErrLockHeld while another holder is live.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) error
	Release(ctx context.Context, name string) error
}
