package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IssueRedemptionCode debits points and issues a discount code using a
// two-phase protocol: the local debit commits first (so concurrent requests
// cannot double-spend past the balance check), then the remote discount is
// created. A remote failure is undone with a compensating transaction, never
// a rollback, because the local transaction has already committed.
func (service *Service) IssueRedemptionCode(ctx context.Context, shop string, customerID string, pointsRequested int64, idemKey string) (Redemption, error) {
	redemption, operationError := service.issueRedemptionCode(ctx, shop, customerID, pointsRequested, idemKey)
	service.logOperation(ctx, OperationLog{
		Operation:  operationIssueRedemption,
		Shop:       shop,
		CustomerID: customerID,
		Points:     pointsRequested,
		Code:       redemption.Code,
		Error:      operationError,
	})
	return redemption, operationError
}

func (service *Service) issueRedemptionCode(ctx context.Context, shop string, customerID string, pointsRequested int64, idemKey string) (Redemption, error) {
	if err := validateShopCustomer(shop, customerID); err != nil {
		return Redemption{}, err
	}
	settings, err := service.settings.ShopSettings(ctx, shop)
	if err != nil {
		return Redemption{}, err
	}

	if pointsRequested <= 0 || !settings.StepAllowed(pointsRequested) {
		return Redemption{}, fmt.Errorf("%w: %d points is not a configured redemption step", ErrInvalidAmount, pointsRequested)
	}
	valueCents, err := settings.StepValueCents(pointsRequested)
	if err != nil {
		return Redemption{}, err
	}

	customerTags, err := service.directory.FetchCustomerTags(ctx, shop, customerID)
	if err != nil {
		return Redemption{}, WrapError(operationIssueRedemption, "directory", "fetch_tags", err)
	}
	if settings.CustomerExcluded(customerTags) {
		return Redemption{}, fmt.Errorf("%w: customer carries an excluded tag", ErrCustomerIneligible)
	}

	if strings.TrimSpace(settings.EligibleCollectionHandle) == "" {
		return Redemption{}, fmt.Errorf("%w: eligible collection handle is not configured", ErrConfiguration)
	}
	collectionID, err := service.directory.ResolveCollectionByHandle(ctx, shop, settings.EligibleCollectionHandle)
	if err != nil || strings.TrimSpace(collectionID) == "" {
		return Redemption{}, fmt.Errorf("%w: eligible collection %q did not resolve", ErrConfiguration, settings.EligibleCollectionHandle)
	}

	now := service.nowFn()

	if strings.TrimSpace(idemKey) != "" {
		existing, found, err := service.store.FindRedemptionByIdemKey(ctx, shop, customerID, idemKey)
		if err != nil {
			return Redemption{}, err
		}
		if found && existing.Status != RedemptionVoid && existing.ExpiresAt.After(now) && existing.DiscountNodeID != "" {
			return existing, nil
		}
	}

	if settings.PreventMultipleActiveRedemptions {
		active, found, err := service.store.FindActiveRedemption(ctx, shop, customerID, now)
		if err != nil {
			return Redemption{}, err
		}
		if found {
			// First writer wins; hand back the open redemption unchanged.
			return active, nil
		}
	}

	balance, err := service.store.GetBalance(ctx, shop, customerID)
	if err != nil {
		return Redemption{}, err
	}
	if balance.Balance < pointsRequested {
		return Redemption{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientPoints, balance.Balance, pointsRequested)
	}

	code, err := service.codeFn()
	if err != nil {
		return Redemption{}, WrapError(operationIssueRedemption, "code", "generate", err)
	}

	expiryHours := settings.RedemptionExpiryHours
	if expiryHours <= 0 {
		expiryHours = defaultRedemptionHours
	}
	redemption := Redemption{
		RedemptionID: uuid.NewString(),
		Shop:         shop,
		CustomerID:   customerID,
		Points:       pointsRequested,
		ValueCents:   valueCents,
		Code:         code,
		IdemKey:      idemKey,
		Status:       RedemptionIssued,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(expiryHours) * time.Hour),
	}

	// Phase 1: debit locally. The balance is re-checked inside the same
	// transaction that performs the debit so two concurrent requests cannot
	// both pass the earlier check and overdraw.
	err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetBalance(ctx, shop, customerID)
		if err != nil {
			return err
		}
		if current.Balance < pointsRequested {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientPoints, current.Balance, pointsRequested)
		}
		entry := LedgerEntry{
			EntryID:     uuid.NewString(),
			Shop:        shop,
			CustomerID:  customerID,
			Type:        EntryRedeem,
			Delta:       -pointsRequested,
			Source:      SourceRedemption,
			SourceID:    redemption.RedemptionID,
			Description: fmt.Sprintf("Redeemed %d points for %s", pointsRequested, redemption.Code),
			CreatedAt:   now,
		}
		if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		if _, err := txStore.ApplyBalanceDelta(ctx, shop, customerID, BalanceDelta{Delta: -pointsRequested, IncRedeemed: pointsRequested}, now); err != nil {
			return err
		}
		return txStore.CreateRedemption(ctx, redemption)
	})
	if err != nil {
		return Redemption{}, err
	}

	// Phase 2: create the remote discount. No local transaction is open
	// across this call.
	discountNodeID, remoteErr := service.discounts.CreateDiscountCode(ctx, DiscountCodeRequest{
		Shop:             shop,
		Code:             code,
		CustomerID:       customerID,
		ValueCents:       valueCents,
		MinSubtotalCents: settings.RedemptionMinOrderCents,
		CollectionID:     collectionID,
		ExpiresAt:        redemption.ExpiresAt,
	})
	if remoteErr != nil {
		if compensateErr := service.voidAndRestore(ctx, redemption, remoteErr.Error()); compensateErr != nil {
			return Redemption{}, WrapError(operationIssueRedemption, "redemption", "compensation", compensateErr)
		}
		return Redemption{}, fmt.Errorf("%w: %v", ErrRemoteService, remoteErr)
	}

	if err := service.store.AttachDiscountNode(ctx, shop, redemption.RedemptionID, discountNodeID); err != nil {
		return Redemption{}, err
	}
	redemption.DiscountNodeID = discountNodeID
	return redemption, nil
}

// voidAndRestore is the compensating transaction for a failed phase 2: void
// the redemption and give the debited points back, decrementing the lifetime
// redeemed counter (floored at zero by the store).
func (service *Service) voidAndRestore(ctx context.Context, redemption Redemption, reason string) error {
	now := service.nowFn()
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		voided := redemption
		voided.Status = RedemptionVoid
		voided.VoidedAt = &now
		voided.RestoredAt = &now
		voided.RestoreReason = reason
		if err := txStore.TransitionRedemption(ctx, voided, []RedemptionStatus{RedemptionIssued}); err != nil {
			return err
		}
		entry := LedgerEntry{
			EntryID:     uuid.NewString(),
			Shop:        redemption.Shop,
			CustomerID:  redemption.CustomerID,
			Type:        EntryAdjust,
			Delta:       redemption.Points,
			Source:      SourceRedemption,
			SourceID:    redemption.RedemptionID + ":restore",
			Description: fmt.Sprintf("Restored %d points after discount creation failed", redemption.Points),
			CreatedAt:   now,
		}
		if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		_, err := txStore.ApplyBalanceDelta(ctx, redemption.Shop, redemption.CustomerID, BalanceDelta{Delta: redemption.Points, IncRedeemed: -redemption.Points}, now)
		return err
	})
}

// Redemption looks up one redemption by id for the owning customer. A
// redemption belonging to someone else reads as unknown so ids cannot be
// probed across customers.
func (service *Service) Redemption(ctx context.Context, shop string, customerID string, redemptionID string) (Redemption, error) {
	if err := validateShopCustomer(shop, customerID); err != nil {
		return Redemption{}, err
	}
	redemption, err := service.store.GetRedemption(ctx, shop, redemptionID)
	if err != nil {
		return Redemption{}, err
	}
	if redemption.CustomerID != customerID {
		return Redemption{}, ErrUnknownRedemption
	}
	return redemption, nil
}

// MarkRedemptionApplied records that the storefront attached the code to a
// checkout. Only an ISSUED redemption transitions; anything else is left as
// is so replays stay harmless.
func (service *Service) MarkRedemptionApplied(ctx context.Context, shop string, customerID string, code string) error {
	operationError := service.markRedemptionApplied(ctx, shop, customerID, code)
	service.logOperation(ctx, OperationLog{
		Operation:  operationApplyRedemption,
		Shop:       shop,
		CustomerID: customerID,
		Code:       code,
		Error:      operationError,
	})
	return operationError
}

func (service *Service) markRedemptionApplied(ctx context.Context, shop string, customerID string, code string) error {
	if err := validateShopCustomer(shop, customerID); err != nil {
		return err
	}
	redemption, found, err := service.store.FindRedemptionByCode(ctx, shop, code)
	if err != nil {
		return err
	}
	if !found || redemption.CustomerID != customerID {
		return ErrUnknownRedemption
	}
	if redemption.Status == RedemptionApplied {
		return nil
	}
	now := service.nowFn()
	applied := redemption
	applied.Status = RedemptionApplied
	applied.AppliedAt = &now
	return service.store.TransitionRedemption(ctx, applied, []RedemptionStatus{RedemptionIssued})
}

// consumeRedemptionsForOrder matches the order's applied discount codes
// against outstanding redemptions and marks the hits consumed. The primary
// match is (shop, customer, code); if the customer association drifted the
// shop+code match still wins, per the payload-extraction fallback.
func (service *Service) consumeRedemptionsForOrder(ctx context.Context, event OrderPaidEvent) error {
	for _, code := range event.DiscountCodes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		redemption, found, err := service.store.FindRedemptionByCode(ctx, event.Shop, code)
		if err != nil {
			return err
		}
		if !found || !redemption.Status.Active() {
			continue
		}
		now := service.nowFn()
		consumed := redemption
		consumed.Status = RedemptionConsumed
		consumed.ConsumedAt = &now
		consumed.ConsumedOrderID = event.OrderID
		if consumed.AppliedAt == nil {
			consumed.AppliedAt = &now
		}
		err = service.store.TransitionRedemption(ctx, consumed, []RedemptionStatus{RedemptionIssued, RedemptionApplied})
		if err != nil && !isAlreadyClosed(err) {
			return err
		}
		service.logOperation(ctx, OperationLog{
			Operation:  operationConsumeRedemption,
			Shop:       event.Shop,
			CustomerID: redemption.CustomerID,
			Points:     redemption.Points,
			SourceID:   event.OrderID,
			Code:       code,
		})
	}
	return nil
}

// isAlreadyClosed reports a redemption transition that lost to a concurrent
// or earlier transition; consumption treats that as already done.
func isAlreadyClosed(err error) bool {
	return errors.Is(err, ErrRedemptionClosed)
}
