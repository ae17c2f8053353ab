package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

const (
	constraintLedgerEvent    = "uniq_ledger_event"
	constraintRedemptionCode = "uniq_redemption_code"
	constraintOrderSnapshot  = "uniq_order_snapshot"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19

	errorOperationStore    = "store"
	errorSubjectLedger     = "ledger"
	errorSubjectBalance    = "balance"
	errorSubjectRedemption = "redemption"
	errorSubjectSnapshot   = "snapshot"
	errorSubjectSettings   = "settings"
	errorSubjectLock       = "lock"
	errorCodeInsert        = "insert"
	errorCodeGet           = "get"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"
	errorCodeDuplicate     = "duplicate"
	errorCodeDecode        = "decode"
)

// Store implements loyalty.Store, loyalty.SettingsProvider, and
// loyalty.Locker using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) AppendLedgerEntry(ctx context.Context, entry loyalty.LedgerEntry) error {
	model := LedgerEntry{
		EntryID:     entry.EntryID,
		Shop:        entry.Shop,
		CustomerID:  entry.CustomerID,
		Type:        entry.Type.String(),
		Delta:       entry.Delta,
		Source:      entry.Source.String(),
		SourceID:    entry.SourceID,
		Description: entry.Description,
		CreatedAt:   entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintLedgerEvent) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, loyalty.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, shop string, customerID string, delta loyalty.BalanceDelta, at time.Time) (loyalty.BalanceAggregate, error) {
	seed := Balance{Shop: shop, CustomerID: customerID, LastActivityAt: at}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "shop"}, {Name: "customer_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error
	if err != nil {
		return loyalty.BalanceAggregate{}, wrapStoreError(errorSubjectBalance, errorCodeInsert, err)
	}

	// Increments run in SQL so concurrent writers serialize through the row
	// instead of racing a read-modify-write. The CASE clamps are the
	// last-resort floor at zero.
	updates := map[string]interface{}{
		"balance":          gorm.Expr("CASE WHEN balance + ? < 0 THEN 0 ELSE balance + ? END", delta.Delta, delta.Delta),
		"last_activity_at": at,
		"expired_at":       nil,
	}
	if delta.IncEarned != 0 {
		updates["lifetime_earned"] = gorm.Expr("lifetime_earned + ?", delta.IncEarned)
	}
	if delta.IncRedeemed != 0 {
		updates["lifetime_redeemed"] = gorm.Expr("CASE WHEN lifetime_redeemed + ? < 0 THEN 0 ELSE lifetime_redeemed + ? END", delta.IncRedeemed, delta.IncRedeemed)
	}
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("shop = ? AND customer_id = ?", shop, customerID).
		Updates(updates)
	if result.Error != nil {
		return loyalty.BalanceAggregate{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return store.GetBalance(ctx, shop, customerID)
}

func (store *Store) GetBalance(ctx context.Context, shop string, customerID string) (loyalty.BalanceAggregate, error) {
	var model Balance
	err := store.db.WithContext(ctx).
		Where("shop = ? AND customer_id = ?", shop, customerID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Lazily materialized on first touch; absent means zero.
		return loyalty.BalanceAggregate{Shop: shop, CustomerID: customerID}, nil
	}
	if err != nil {
		return loyalty.BalanceAggregate{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return toDomainBalance(model), nil
}

func (store *Store) MarkBalanceExpired(ctx context.Context, shop string, customerID string, points int64, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("shop = ? AND customer_id = ? AND balance = ?", shop, customerID, points).
		Updates(map[string]interface{}{
			"balance":    0,
			"expired_at": at,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, shop string, customerID string, limit int) ([]loyalty.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("shop = ? AND customer_id = ?", shop, customerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	entries := make([]loyalty.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := toDomainEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeDecode, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) FindLedgerEntryBySource(ctx context.Context, shop string, entryType loyalty.EntryType, source loyalty.EntrySource, sourceID string) (loyalty.LedgerEntry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("shop = ? AND type = ? AND source = ? AND source_id = ?", shop, entryType.String(), source.String(), sourceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.LedgerEntry{}, false, nil
	}
	if err != nil {
		return loyalty.LedgerEntry{}, false, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	entry, err := toDomainEntry(row)
	if err != nil {
		return loyalty.LedgerEntry{}, false, wrapStoreError(errorSubjectLedger, errorCodeDecode, err)
	}
	return entry, true, nil
}

func (store *Store) CreateRedemption(ctx context.Context, redemption loyalty.Redemption) error {
	model := toModelRedemption(redemption)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintRedemptionCode) {
		return wrapStoreError(errorSubjectRedemption, errorCodeDuplicate, loyalty.ErrRedemptionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetRedemption(ctx context.Context, shop string, redemptionID string) (loyalty.Redemption, error) {
	var model Redemption
	err := store.db.WithContext(ctx).
		Where("shop = ? AND redemption_id = ?", shop, redemptionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Redemption{}, wrapStoreError(errorSubjectRedemption, errorCodeGet, loyalty.ErrUnknownRedemption)
	}
	if err != nil {
		return loyalty.Redemption{}, wrapStoreError(errorSubjectRedemption, errorCodeGet, err)
	}
	return toDomainRedemption(model), nil
}

func (store *Store) FindRedemptionByIdemKey(ctx context.Context, shop string, customerID string, idemKey string) (loyalty.Redemption, bool, error) {
	var model Redemption
	err := store.db.WithContext(ctx).
		Where("shop = ? AND customer_id = ? AND idem_key = ?", shop, customerID, idemKey).
		Order("issued_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Redemption{}, false, nil
	}
	if err != nil {
		return loyalty.Redemption{}, false, wrapStoreError(errorSubjectRedemption, errorCodeGet, err)
	}
	return toDomainRedemption(model), true, nil
}

func (store *Store) FindActiveRedemption(ctx context.Context, shop string, customerID string, at time.Time) (loyalty.Redemption, bool, error) {
	var model Redemption
	err := store.db.WithContext(ctx).
		Where("shop = ? AND customer_id = ?", shop, customerID).
		Where("status IN ?", []string{loyalty.RedemptionIssued.String(), loyalty.RedemptionApplied.String()}).
		Where("expires_at > ?", at).
		Order("issued_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Redemption{}, false, nil
	}
	if err != nil {
		return loyalty.Redemption{}, false, wrapStoreError(errorSubjectRedemption, errorCodeGet, err)
	}
	return toDomainRedemption(model), true, nil
}

func (store *Store) FindRedemptionByCode(ctx context.Context, shop string, code string) (loyalty.Redemption, bool, error) {
	var model Redemption
	err := store.db.WithContext(ctx).
		Where("shop = ? AND code = ?", shop, code).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Redemption{}, false, nil
	}
	if err != nil {
		return loyalty.Redemption{}, false, wrapStoreError(errorSubjectRedemption, errorCodeGet, err)
	}
	return toDomainRedemption(model), true, nil
}

func (store *Store) TransitionRedemption(ctx context.Context, redemption loyalty.Redemption, allowed []loyalty.RedemptionStatus) error {
	allowedRaw := make([]string, 0, len(allowed))
	for _, status := range allowed {
		allowedRaw = append(allowedRaw, status.String())
	}
	result := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Where("shop = ? AND redemption_id = ? AND status IN ?", redemption.Shop, redemption.RedemptionID, allowedRaw).
		Updates(map[string]interface{}{
			"status":            redemption.Status.String(),
			"applied_at":        redemption.AppliedAt,
			"consumed_at":       redemption.ConsumedAt,
			"consumed_order_id": redemption.ConsumedOrderID,
			"voided_at":         redemption.VoidedAt,
			"restored_at":       redemption.RestoredAt,
			"restore_reason":    redemption.RestoreReason,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdate, loyalty.ErrRedemptionClosed)
	}
	return nil
}

func (store *Store) AttachDiscountNode(ctx context.Context, shop string, redemptionID string, discountNodeID string) error {
	result := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Where("shop = ? AND redemption_id = ?", shop, redemptionID).
		Update("discount_node_id", discountNodeID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRedemption, errorCodeUpdate, loyalty.ErrUnknownRedemption)
	}
	return nil
}

func (store *Store) CreateOrderSnapshot(ctx context.Context, snapshot loyalty.OrderSnapshot) error {
	model := OrderSnapshot{
		Shop:             snapshot.Shop,
		OrderID:          snapshot.OrderID,
		EligibleNetCents: snapshot.EligibleNetCents,
		PointsAwarded:    snapshot.PointsAwarded,
		PointsReversed:   snapshot.PointsReversed,
		CreatedAt:        time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintOrderSnapshot) {
		return wrapStoreError(errorSubjectSnapshot, errorCodeDuplicate, loyalty.ErrSnapshotExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetOrderSnapshot(ctx context.Context, shop string, orderID string) (loyalty.OrderSnapshot, bool, error) {
	var model OrderSnapshot
	err := store.db.WithContext(ctx).
		Where("shop = ? AND order_id = ?", shop, orderID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.OrderSnapshot{}, false, nil
	}
	if err != nil {
		return loyalty.OrderSnapshot{}, false, wrapStoreError(errorSubjectSnapshot, errorCodeGet, err)
	}
	return loyalty.OrderSnapshot{
		Shop:             model.Shop,
		OrderID:          model.OrderID,
		EligibleNetCents: model.EligibleNetCents,
		PointsAwarded:    model.PointsAwarded,
		PointsReversed:   model.PointsReversed,
	}, true, nil
}

func (store *Store) AddSnapshotReversal(ctx context.Context, shop string, orderID string, points int64) error {
	// The guard arbitrates concurrent reversals through the row write lock:
	// whoever commits second re-evaluates against the committed counter and
	// loses the race instead of pushing the total past the award.
	result := store.db.WithContext(ctx).
		Model(&OrderSnapshot{}).
		Where("shop = ? AND order_id = ? AND points_reversed + ? <= points_awarded", shop, orderID, points).
		Update("points_reversed", gorm.Expr("points_reversed + ?", points))
	if result.Error != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).
			Model(&OrderSnapshot{}).
			Where("shop = ? AND order_id = ?", shop, orderID).
			Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectSnapshot, errorCodeGet, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectSnapshot, errorCodeUpdate, loyalty.ErrUnknownOrder)
		}
		return wrapStoreError(errorSubjectSnapshot, errorCodeUpdate, loyalty.ErrReversalExceedsAward)
	}
	return nil
}

func (store *Store) ListExpiredRedemptions(ctx context.Context, at time.Time, limit int) ([]loyalty.Redemption, error) {
	var rows []Redemption
	err := store.db.WithContext(ctx).
		Where("status IN ?", []string{loyalty.RedemptionIssued.String(), loyalty.RedemptionApplied.String()}).
		Where("expires_at < ?", at).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRedemption, errorCodeList, err)
	}
	redemptions := make([]loyalty.Redemption, 0, len(rows))
	for _, row := range rows {
		redemptions = append(redemptions, toDomainRedemption(row))
	}
	return redemptions, nil
}

func (store *Store) ListShopsWithBalances(ctx context.Context) ([]string, error) {
	var shops []string
	err := store.db.WithContext(ctx).
		Model(&Balance{}).
		Distinct("shop").
		Where("balance > 0").
		Pluck("shop", &shops).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return shops, nil
}

func (store *Store) ListInactiveBalances(ctx context.Context, shop string, cutoff time.Time, limit int) ([]loyalty.BalanceAggregate, error) {
	var rows []Balance
	err := store.db.WithContext(ctx).
		Where("shop = ? AND balance > 0 AND last_activity_at < ?", shop, cutoff).
		Order("last_activity_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	aggregates := make([]loyalty.BalanceAggregate, 0, len(rows))
	for _, row := range rows {
		aggregates = append(aggregates, toDomainBalance(row))
	}
	return aggregates, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

func toDomainBalance(model Balance) loyalty.BalanceAggregate {
	return loyalty.BalanceAggregate{
		Shop:             model.Shop,
		CustomerID:       model.CustomerID,
		Balance:          model.Balance,
		LifetimeEarned:   model.LifetimeEarned,
		LifetimeRedeemed: model.LifetimeRedeemed,
		LastActivityAt:   model.LastActivityAt,
		ExpiredAt:        model.ExpiredAt,
	}
}

func toDomainEntry(model LedgerEntry) (loyalty.LedgerEntry, error) {
	entryType, err := loyalty.ParseEntryType(model.Type)
	if err != nil {
		return loyalty.LedgerEntry{}, err
	}
	return loyalty.LedgerEntry{
		EntryID:     model.EntryID,
		Shop:        model.Shop,
		CustomerID:  model.CustomerID,
		Type:        entryType,
		Delta:       model.Delta,
		Source:      loyalty.EntrySource(model.Source),
		SourceID:    model.SourceID,
		Description: model.Description,
		CreatedAt:   model.CreatedAt,
	}, nil
}

func toModelRedemption(redemption loyalty.Redemption) Redemption {
	model := Redemption{
		RedemptionID:    redemption.RedemptionID,
		Shop:            redemption.Shop,
		CustomerID:      redemption.CustomerID,
		Points:          redemption.Points,
		ValueCents:      redemption.ValueCents,
		Code:            redemption.Code,
		Status:          redemption.Status.String(),
		IssuedAt:        redemption.IssuedAt,
		ExpiresAt:       redemption.ExpiresAt,
		AppliedAt:       redemption.AppliedAt,
		ConsumedAt:      redemption.ConsumedAt,
		ConsumedOrderID: redemption.ConsumedOrderID,
		VoidedAt:        redemption.VoidedAt,
		RestoredAt:      redemption.RestoredAt,
		RestoreReason:   redemption.RestoreReason,
	}
	if strings.TrimSpace(redemption.DiscountNodeID) != "" {
		value := redemption.DiscountNodeID
		model.DiscountNodeID = &value
	}
	if strings.TrimSpace(redemption.IdemKey) != "" {
		value := redemption.IdemKey
		model.IdemKey = &value
	}
	return model
}

func toDomainRedemption(model Redemption) loyalty.Redemption {
	redemption := loyalty.Redemption{
		RedemptionID:    model.RedemptionID,
		Shop:            model.Shop,
		CustomerID:      model.CustomerID,
		Points:          model.Points,
		ValueCents:      model.ValueCents,
		Code:            model.Code,
		Status:          loyalty.RedemptionStatus(model.Status),
		IssuedAt:        model.IssuedAt,
		ExpiresAt:       model.ExpiresAt,
		AppliedAt:       model.AppliedAt,
		ConsumedAt:      model.ConsumedAt,
		ConsumedOrderID: model.ConsumedOrderID,
		VoidedAt:        model.VoidedAt,
		RestoredAt:      model.RestoredAt,
		RestoreReason:   model.RestoreReason,
	}
	if model.DiscountNodeID != nil {
		redemption.DiscountNodeID = *model.DiscountNodeID
	}
	if model.IdemKey != nil {
		redemption.IdemKey = *model.IdemKey
	}
	return redemption
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && strings.Contains(pgErr.ConstraintName, constraintName)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
