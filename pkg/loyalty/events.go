package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// HandleOrderPaid applies one order-paid event: consume any referenced
// redemption codes, then award points on the eligible net merchandise value.
// The order snapshot is the idempotency gate; a redelivered event finds the
// snapshot and becomes a no-op.
func (service *Service) HandleOrderPaid(ctx context.Context, event OrderPaidEvent) (EarnOutcome, error) {
	outcome, operationError := service.handleOrderPaid(ctx, event)
	status := ""
	if operationError == nil && outcome != EarnAwarded {
		status = operationStatusSkipped
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationOrderPaid,
		Shop:       event.Shop,
		CustomerID: event.CustomerID,
		SourceID:   event.OrderID,
		Status:     status,
		Error:      operationError,
	})
	return outcome, operationError
}

func (service *Service) handleOrderPaid(ctx context.Context, event OrderPaidEvent) (EarnOutcome, error) {
	if err := validateShopCustomer(event.Shop, event.CustomerID); err != nil {
		return "", err
	}
	if _, found, err := service.store.GetOrderSnapshot(ctx, event.Shop, event.OrderID); err != nil {
		return "", err
	} else if found {
		return EarnSkippedDuplicate, nil
	}

	// Consumption happens regardless of earn eligibility; the customer spent
	// their code either way.
	if err := service.consumeRedemptionsForOrder(ctx, event); err != nil {
		return "", err
	}

	settings, err := service.settings.ShopSettings(ctx, event.Shop)
	if err != nil {
		return "", err
	}

	customerTags := event.CustomerTags
	if len(customerTags) == 0 {
		customerTags, err = service.directory.FetchCustomerTags(ctx, event.Shop, event.CustomerID)
		if err != nil {
			return "", WrapError(operationOrderPaid, "directory", "fetch_tags", err)
		}
	}
	if settings.CustomerExcluded(customerTags) {
		if err := service.store.CreateOrderSnapshot(ctx, OrderSnapshot{Shop: event.Shop, OrderID: event.OrderID}); err != nil && !errors.Is(err, ErrSnapshotExists) {
			return "", err
		}
		return EarnSkippedExcluded, nil
	}

	eligibleCents := eligibleNetCents(settings, event.Lines)
	points := (eligibleCents / centsPerDollar) * settings.EarnRate
	snapshot := OrderSnapshot{
		Shop:             event.Shop,
		OrderID:          event.OrderID,
		EligibleNetCents: eligibleCents,
		PointsAwarded:    points,
	}
	if points <= 0 {
		if err := service.store.CreateOrderSnapshot(ctx, snapshot); err != nil && !errors.Is(err, ErrSnapshotExists) {
			return "", err
		}
		return EarnSkippedZero, nil
	}

	err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.CreateOrderSnapshot(ctx, snapshot); err != nil {
			return err
		}
		entry := LedgerEntry{
			EntryID:     uuid.NewString(),
			Shop:        event.Shop,
			CustomerID:  event.CustomerID,
			Type:        EntryEarn,
			Delta:       points,
			Source:      SourceOrder,
			SourceID:    event.OrderID,
			Description: fmt.Sprintf("Earned %d points on order %s", points, event.OrderID),
			CreatedAt:   service.nowFn(),
		}
		if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		_, err := txStore.ApplyBalanceDelta(ctx, event.Shop, event.CustomerID, BalanceDelta{Delta: points, IncEarned: points}, service.nowFn())
		return err
	})
	if errors.Is(err, ErrSnapshotExists) || errors.Is(err, ErrDuplicateEntry) {
		return EarnSkippedDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return EarnAwarded, nil
}

// HandleRefundCreated reverses points proportionally to the refunded share of
// the original eligible merchandise, capped at the award's remaining
// un-reversed amount. Keyed by refund id so redelivery is safe.
func (service *Service) HandleRefundCreated(ctx context.Context, event RefundEvent) (int64, error) {
	reversed, operationError := service.handleRefundCreated(ctx, event)
	status := ""
	if operationError == nil && reversed == 0 {
		status = operationStatusSkipped
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefundCreated,
		Shop:      event.Shop,
		Points:    reversed,
		SourceID:  event.RefundID,
		Status:    status,
		Error:     operationError,
	})
	return reversed, operationError
}

func (service *Service) handleRefundCreated(ctx context.Context, event RefundEvent) (int64, error) {
	snapshot, found, err := service.store.GetOrderSnapshot(ctx, event.Shop, event.OrderID)
	if err != nil {
		return 0, err
	}
	if !found || snapshot.RemainingPoints() == 0 || snapshot.EligibleNetCents == 0 {
		return 0, nil
	}

	settings, err := service.settings.ShopSettings(ctx, event.Shop)
	if err != nil {
		return 0, err
	}
	refundedCents := int64(0)
	for _, refundLine := range event.Lines {
		if !lineEligible(settings, refundLine.Line) {
			continue
		}
		refundedCents += refundedLineCents(refundLine)
	}
	if refundedCents <= 0 {
		return 0, nil
	}

	reverse := refundedCents * snapshot.PointsAwarded / snapshot.EligibleNetCents
	if remaining := snapshot.RemainingPoints(); reverse > remaining {
		reverse = remaining
	}
	if reverse <= 0 {
		return 0, nil
	}

	customerID, err := service.snapshotCustomer(ctx, event.Shop, event.OrderID)
	if err != nil {
		return 0, err
	}
	err = service.reverseOrderPoints(ctx, event.Shop, customerID, event.OrderID, reverse, SourceRefund, event.RefundID,
		fmt.Sprintf("Reversed %d points for refund %s", reverse, event.RefundID))
	if errors.Is(err, ErrDuplicateEntry) || errors.Is(err, ErrReversalExceedsAward) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return reverse, nil
}

// HandleOrderCancelled reverses the entire remaining unreversed award in one
// step. Keyed by order id under the CANCEL source so redelivery is safe.
func (service *Service) HandleOrderCancelled(ctx context.Context, event CancelEvent) (int64, error) {
	reversed, operationError := service.handleOrderCancelled(ctx, event)
	status := ""
	if operationError == nil && reversed == 0 {
		status = operationStatusSkipped
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationOrderCancelled,
		Shop:      event.Shop,
		Points:    reversed,
		SourceID:  event.OrderID,
		Status:    status,
		Error:     operationError,
	})
	return reversed, operationError
}

func (service *Service) handleOrderCancelled(ctx context.Context, event CancelEvent) (int64, error) {
	snapshot, found, err := service.store.GetOrderSnapshot(ctx, event.Shop, event.OrderID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	remaining := snapshot.RemainingPoints()
	if remaining == 0 {
		return 0, nil
	}
	customerID, err := service.snapshotCustomer(ctx, event.Shop, event.OrderID)
	if err != nil {
		return 0, err
	}
	err = service.reverseOrderPoints(ctx, event.Shop, customerID, event.OrderID, remaining, SourceCancel, event.OrderID,
		fmt.Sprintf("Reversed %d points for cancelled order %s", remaining, event.OrderID))
	if errors.Is(err, ErrDuplicateEntry) || errors.Is(err, ErrReversalExceedsAward) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// reverseOrderPoints commits one reversal atomically. The guarded snapshot
// increment runs first: it is the serialization point for concurrent
// reversals against the same award, so a writer that raced past the snapshot
// read fails there and rolls back before touching the ledger or the balance.
func (service *Service) reverseOrderPoints(ctx context.Context, shop string, customerID string, orderID string, points int64, source EntrySource, sourceID string, description string) error {
	now := service.nowFn()
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.AddSnapshotReversal(ctx, shop, orderID, points); err != nil {
			return err
		}
		entry := LedgerEntry{
			EntryID:     uuid.NewString(),
			Shop:        shop,
			CustomerID:  customerID,
			Type:        EntryReversal,
			Delta:       -points,
			Source:      source,
			SourceID:    sourceID,
			Description: description,
			CreatedAt:   now,
		}
		if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		_, err := txStore.ApplyBalanceDelta(ctx, shop, customerID, BalanceDelta{Delta: -points}, now)
		return err
	})
}

// snapshotCustomer resolves the customer behind an order by its EARN ledger
// entry, since refund and cancel payloads do not reliably carry the customer.
func (service *Service) snapshotCustomer(ctx context.Context, shop string, orderID string) (string, error) {
	entry, found, err := service.store.FindLedgerEntryBySource(ctx, shop, EntryEarn, SourceOrder, orderID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: no earn entry for order %s", ErrUnknownOrder, orderID)
	}
	return entry.CustomerID, nil
}

// eligibleNetCents sums post-discount line values restricted to eligible
// products.
func eligibleNetCents(settings ShopSettings, lines []OrderLine) int64 {
	total := int64(0)
	for _, line := range lines {
		if !lineEligible(settings, line) {
			continue
		}
		total += line.NetCents()
	}
	return total
}

// lineEligible applies the tag include/exclude rules plus the optional
// collection exclusion. Exclusion wins on tag overlap.
func lineEligible(settings ShopSettings, line OrderLine) bool {
	if tagOverlap(settings.ExcludedProductTags, line.ProductTags) {
		return false
	}
	if settings.ExcludedCollectionID != "" {
		for _, collectionID := range line.CollectionIDs {
			if collectionID == settings.ExcludedCollectionID {
				return false
			}
		}
	}
	if len(settings.IncludedProductTags) > 0 {
		return tagOverlap(settings.IncludedProductTags, line.ProductTags)
	}
	return true
}

// refundedLineCents apportions the original line discount per unit and
// charges back only the refunded share.
func refundedLineCents(refundLine RefundLine) int64 {
	line := refundLine.Line
	if line.Quantity <= 0 || refundLine.RefundedQuantity <= 0 {
		return 0
	}
	quantity := refundLine.RefundedQuantity
	if quantity > line.Quantity {
		quantity = line.Quantity
	}
	perUnitDiscount := line.DiscountCents / line.Quantity
	refunded := (line.UnitPriceCents - perUnitDiscount) * quantity
	if refunded < 0 {
		return 0
	}
	return refunded
}
