package loyalty

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the ledger-balance-redemption consistency engine over a
// Store, a SettingsProvider, and the remote commerce capabilities.
type Service struct {
	store     Store
	settings  SettingsProvider
	discounts DiscountService
	directory CustomerDirectory
	locker    Locker
	nowFn     func() time.Time
	codeFn    func() (string, error)
	logger    OperationLogger
}

// NewService wires a Service.
func NewService(store Store, settings SettingsProvider, discounts DiscountService, directory CustomerDirectory, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if settings == nil {
		return nil, fmt.Errorf("%w: settings dependency is nil", ErrInvalidServiceConfig)
	}
	if discounts == nil {
		return nil, fmt.Errorf("%w: discount service dependency is nil", ErrInvalidServiceConfig)
	}
	if directory == nil {
		return nil, fmt.Errorf("%w: customer directory dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		settings:  settings,
		discounts: discounts,
		directory: directory,
		nowFn:     now,
		codeFn:    generateRedemptionCode,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the cached aggregate for one (shop, customer).
func (service *Service) Balance(ctx context.Context, shop string, customerID string) (BalanceAggregate, error) {
	if err := validateShopCustomer(shop, customerID); err != nil {
		return BalanceAggregate{}, err
	}
	return service.store.GetBalance(ctx, shop, customerID)
}

// Payload assembles the storefront loyalty view: balance, settings, the
// active redemption if any, and the most recent ledger entries.
func (service *Service) Payload(ctx context.Context, shop string, customerID string) (CustomerPayload, error) {
	if err := validateShopCustomer(shop, customerID); err != nil {
		return CustomerPayload{}, err
	}
	settings, err := service.settings.ShopSettings(ctx, shop)
	if err != nil {
		return CustomerPayload{}, err
	}
	balance, err := service.store.GetBalance(ctx, shop, customerID)
	if err != nil {
		return CustomerPayload{}, err
	}
	payload := CustomerPayload{
		Balance:  balance,
		Settings: settings,
	}
	active, found, err := service.store.FindActiveRedemption(ctx, shop, customerID, service.nowFn())
	if err != nil {
		return CustomerPayload{}, err
	}
	if found {
		payload.ActiveRedemption = &active
	}
	recent, err := service.store.ListLedgerEntries(ctx, shop, customerID, defaultRecentLedger)
	if err != nil {
		return CustomerPayload{}, err
	}
	payload.RecentLedger = recent
	return payload, nil
}

// AdminAdjust applies a signed manual adjustment. sourceID must be unique per
// adjustment so redelivered admin actions stay idempotent.
func (service *Service) AdminAdjust(ctx context.Context, shop string, customerID string, delta int64, sourceID string, reason string) error {
	if err := validateShopCustomer(shop, customerID); err != nil {
		return err
	}
	if delta == 0 {
		return fmt.Errorf("%w: adjustment delta is zero", ErrInvalidAmount)
	}
	operationError := service.applyLedgerDelta(ctx, LedgerEntry{
		Shop:        shop,
		CustomerID:  customerID,
		Type:        EntryAdjust,
		Delta:       delta,
		Source:      SourceAdmin,
		SourceID:    sourceID,
		Description: reason,
	}, BalanceDelta{Delta: delta})
	service.logOperation(ctx, OperationLog{
		Operation:  operationAdminAdjust,
		Shop:       shop,
		CustomerID: customerID,
		Points:     delta,
		SourceID:   sourceID,
		Error:      operationError,
	})
	return operationError
}

// applyLedgerDelta appends one ledger entry and mutates the balance aggregate
// inside a single transaction. A duplicate entry rolls the pair back and is
// reported as ErrDuplicateEntry for the caller to treat as already-applied.
func (service *Service) applyLedgerDelta(ctx context.Context, entry LedgerEntry, delta BalanceDelta) error {
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		now := service.nowFn()
		if entry.EntryID == "" {
			entry.EntryID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		_, err := txStore.ApplyBalanceDelta(ctx, entry.Shop, entry.CustomerID, delta, now)
		return err
	})
}

const redemptionCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateRedemptionCode returns a short unpredictable identifier. The
// shop-scoped unique constraint on codes backstops the negligible collision
// probability.
func generateRedemptionCode() (string, error) {
	buffer := make([]byte, redemptionCodeLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("redemption code entropy: %w", err)
	}
	for index, value := range buffer {
		buffer[index] = redemptionCodeAlphabet[int(value)%len(redemptionCodeAlphabet)]
	}
	return string(buffer), nil
}
