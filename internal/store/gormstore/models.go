package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEntry mirrors the ledger_entries table. The composite unique index is
// the idempotency key for external event application.
type LedgerEntry struct {
	EntryID     string    `gorm:"type:uuid;primaryKey"`
	Shop        string    `gorm:"not null;index:uniq_ledger_event,unique,priority:1;index:idx_ledger_shop_customer,priority:1"`
	CustomerID  string    `gorm:"not null;index:uniq_ledger_event,unique,priority:2;index:idx_ledger_shop_customer,priority:2"`
	Type        string    `gorm:"not null;index:uniq_ledger_event,unique,priority:3"`
	Delta       int64     `gorm:"not null"`
	Source      string    `gorm:"not null;index:uniq_ledger_event,unique,priority:4"`
	SourceID    string    `gorm:"not null;index:uniq_ledger_event,unique,priority:5"`
	Description string    `gorm:""`
	CreatedAt   time.Time `gorm:"not null;index:idx_ledger_shop_customer,priority:3"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Balance mirrors the balances table, one row per (shop, customer).
type Balance struct {
	Shop             string     `gorm:"primaryKey"`
	CustomerID       string     `gorm:"primaryKey"`
	Balance          int64      `gorm:"not null;default:0"`
	LifetimeEarned   int64      `gorm:"not null;default:0"`
	LifetimeRedeemed int64      `gorm:"not null;default:0"`
	LastActivityAt   time.Time  `gorm:"not null"`
	ExpiredAt        *time.Time `gorm:""`
}

func (Balance) TableName() string { return "balances" }

// Redemption mirrors the redemptions table.
type Redemption struct {
	RedemptionID    string     `gorm:"type:uuid;primaryKey"`
	Shop            string     `gorm:"not null;index:uniq_redemption_code,unique,priority:1;index:idx_redemption_customer,priority:1;index:idx_redemption_idem,priority:1"`
	CustomerID      string     `gorm:"not null;index:idx_redemption_customer,priority:2;index:idx_redemption_idem,priority:2"`
	Points          int64      `gorm:"not null"`
	ValueCents      int64      `gorm:"not null"`
	Code            string     `gorm:"not null;index:uniq_redemption_code,unique,priority:2"`
	DiscountNodeID  *string    `gorm:""`
	IdemKey         *string    `gorm:"index:idx_redemption_idem,priority:3"`
	Status          string     `gorm:"not null;index:idx_redemption_customer,priority:3"`
	IssuedAt        time.Time  `gorm:"not null"`
	ExpiresAt       time.Time  `gorm:"not null;index"`
	AppliedAt       *time.Time `gorm:""`
	ConsumedAt      *time.Time `gorm:""`
	ConsumedOrderID string     `gorm:""`
	VoidedAt        *time.Time `gorm:""`
	RestoredAt      *time.Time `gorm:""`
	RestoreReason   string     `gorm:""`
}

func (Redemption) TableName() string { return "redemptions" }

// OrderSnapshot mirrors the order_snapshots table; uniqueness per
// (shop, order) gates order-paid redelivery.
type OrderSnapshot struct {
	Shop             string    `gorm:"not null;index:uniq_order_snapshot,unique,priority:1"`
	OrderID          string    `gorm:"not null;index:uniq_order_snapshot,unique,priority:2"`
	EligibleNetCents int64     `gorm:"not null"`
	PointsAwarded    int64     `gorm:"not null"`
	PointsReversed   int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (OrderSnapshot) TableName() string { return "order_snapshots" }

// ShopSettings mirrors the shop_settings table. List- and map-valued fields
// are stored as JSON documents.
type ShopSettings struct {
	Shop                             string         `gorm:"primaryKey"`
	EarnRate                         int64          `gorm:"not null;default:1"`
	RedemptionSteps                  datatypes.JSON `gorm:"not null"`
	RedemptionValueCents             datatypes.JSON `gorm:"not null"`
	RedemptionMinOrderCents          int64          `gorm:"not null;default:0"`
	RedemptionExpiryHours            int64          `gorm:"not null;default:72"`
	PointsExpireInactivityDays       int64          `gorm:"not null;default:0"`
	PreventMultipleActiveRedemptions bool           `gorm:"not null;default:true"`
	RestoreExpiredRedemptions        bool           `gorm:"not null;default:false"`
	ExcludedCustomerTags             datatypes.JSON `gorm:""`
	IncludedProductTags              datatypes.JSON `gorm:""`
	ExcludedProductTags              datatypes.JSON `gorm:""`
	ExcludedCollectionID             string         `gorm:""`
	EligibleCollectionHandle         string         `gorm:""`
	UpdatedAt                        time.Time      `gorm:"not null"`
}

func (ShopSettings) TableName() string { return "shop_settings" }

// JobLock backs the TTL mutual-exclusion lock for sweep jobs. Staleness is
// judged by LockedAt age, not holder liveness.
type JobLock struct {
	Name     string    `gorm:"primaryKey"`
	LockedAt time.Time `gorm:"not null"`
}

func (JobLock) TableName() string { return "job_locks" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&LedgerEntry{},
		&Balance{},
		&Redemption{},
		&OrderSnapshot{},
		&ShopSettings{},
		&JobLock{},
	}
}
