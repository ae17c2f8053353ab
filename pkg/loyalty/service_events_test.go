package loyalty

import (
	"context"
	"testing"
	"time"
)

func TestOrderPaidAwardsPoints(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	settings := defaultSettings()
	settings.EarnRate = 2
	service := mustNewService(t, store, settings, &stubDiscounts{}, newStubDirectory())

	event := OrderPaidEvent{
		Shop:       "shop.example.com",
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Lines: []OrderLine{
			{ProductID: "prod-1", UnitPriceCents: 1500, Quantity: 2, DiscountCents: 500},
		},
	}
	outcome, err := service.HandleOrderPaid(context.Background(), event)
	if err != nil {
		t.Fatalf("order paid: %v", err)
	}
	if outcome != EarnAwarded {
		t.Fatalf("expected award, got %s", outcome)
	}

	// 2500 eligible cents -> 25 whole dollars -> 50 points at rate 2.
	balance := store.mustBalance(t, "shop.example.com", "cust-1")
	if balance.Balance != 50 || balance.LifetimeEarned != 50 {
		t.Fatalf("expected balance 50 earned 50, got %+v", balance)
	}
	snapshot := store.mustSnapshot(t, "shop.example.com", "order-1")
	if snapshot.EligibleNetCents != 2500 || snapshot.PointsAwarded != 50 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(store.entries) != 1 || store.entries[0].Type != EntryEarn || store.entries[0].Delta != 50 {
		t.Fatalf("expected one earn entry of +50, got %+v", store.entries)
	}
}

func TestOrderPaidRedeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())

	event := OrderPaidEvent{
		Shop:       "shop.example.com",
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Lines:      []OrderLine{{UnitPriceCents: 1000, Quantity: 1}},
	}
	if _, err := service.HandleOrderPaid(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := service.HandleOrderPaid(context.Background(), event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if outcome != EarnSkippedDuplicate {
		t.Fatalf("expected duplicate skip, got %s", outcome)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected a single earn entry, got %d", len(store.entries))
	}
	if balance := store.mustBalance(t, "shop.example.com", "cust-1"); balance.Balance != 10 {
		t.Fatalf("expected balance 10, got %d", balance.Balance)
	}
}

func TestOrderPaidExcludedCustomerSkips(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	settings := defaultSettings()
	settings.ExcludedCustomerTags = []string{"staff"}
	service := mustNewService(t, store, settings, &stubDiscounts{}, newStubDirectory())

	event := OrderPaidEvent{
		Shop:         "shop.example.com",
		OrderID:      "order-1",
		CustomerID:   "cust-1",
		CustomerTags: []string{"Staff"},
		Lines:        []OrderLine{{UnitPriceCents: 5000, Quantity: 1}},
	}
	outcome, err := service.HandleOrderPaid(context.Background(), event)
	if err != nil {
		t.Fatalf("order paid: %v", err)
	}
	if outcome != EarnSkippedExcluded {
		t.Fatalf("expected excluded skip, got %s", outcome)
	}
	if len(store.entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(store.entries))
	}
	// A zero snapshot still gates redelivery.
	if snapshot := store.mustSnapshot(t, "shop.example.com", "order-1"); snapshot.PointsAwarded != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snapshot)
	}
}

func TestOrderPaidSubDollarOrderSkips(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())

	event := OrderPaidEvent{
		Shop:       "shop.example.com",
		OrderID:    "order-small",
		CustomerID: "cust-1",
		Lines:      []OrderLine{{UnitPriceCents: 99, Quantity: 1}},
	}
	outcome, err := service.HandleOrderPaid(context.Background(), event)
	if err != nil {
		t.Fatalf("order paid: %v", err)
	}
	if outcome != EarnSkippedZero {
		t.Fatalf("expected zero skip, got %s", outcome)
	}
	snapshot := store.mustSnapshot(t, "shop.example.com", "order-small")
	if snapshot.EligibleNetCents != 99 || snapshot.PointsAwarded != 0 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestOrderPaidFiltersIneligibleLines(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	settings := defaultSettings()
	settings.ExcludedProductTags = []string{"gift-card"}
	settings.ExcludedCollectionID = "col-excluded"
	service := mustNewService(t, store, settings, &stubDiscounts{}, newStubDirectory())

	event := OrderPaidEvent{
		Shop:       "shop.example.com",
		OrderID:    "order-mixed",
		CustomerID: "cust-1",
		Lines: []OrderLine{
			{ProductID: "a", UnitPriceCents: 2000, Quantity: 1},
			{ProductID: "b", UnitPriceCents: 9900, Quantity: 1, ProductTags: []string{"Gift-Card"}},
			{ProductID: "c", UnitPriceCents: 3000, Quantity: 1, CollectionIDs: []string{"col-excluded"}},
		},
	}
	outcome, err := service.HandleOrderPaid(context.Background(), event)
	if err != nil {
		t.Fatalf("order paid: %v", err)
	}
	if outcome != EarnAwarded {
		t.Fatalf("expected award, got %s", outcome)
	}
	snapshot := store.mustSnapshot(t, "shop.example.com", "order-mixed")
	if snapshot.EligibleNetCents != 2000 || snapshot.PointsAwarded != 20 {
		t.Fatalf("expected only the plain line to count, got %+v", snapshot)
	}
}

func TestOrderPaidConsumesAppliedCode(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.redemptions["red-1"] = Redemption{
		RedemptionID: "red-1",
		Shop:         "shop.example.com",
		CustomerID:   "cust-1",
		Points:       100,
		Code:         "SPENDME12345",
		Status:       RedemptionApplied,
		ExpiresAt:    testNow.Add(time.Hour),
	}
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())

	event := OrderPaidEvent{
		Shop:          "shop.example.com",
		OrderID:       "order-consume",
		CustomerID:    "cust-1",
		Lines:         []OrderLine{{UnitPriceCents: 4000, Quantity: 1}},
		DiscountCodes: []string{"SPENDME12345"},
	}
	if _, err := service.HandleOrderPaid(context.Background(), event); err != nil {
		t.Fatalf("order paid: %v", err)
	}
	consumed := store.mustRedemption(t, "red-1")
	if consumed.Status != RedemptionConsumed {
		t.Fatalf("expected consumed redemption, got %s", consumed.Status)
	}
	if consumed.ConsumedOrderID != "order-consume" || consumed.ConsumedAt == nil {
		t.Fatalf("expected consumption recorded, got %+v", consumed)
	}
}

func TestRefundReversesProportionally(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())
	seedAwardedOrder(t, store, "order-1", "cust-1", 10000, 100)

	event := RefundEvent{
		Shop:     "shop.example.com",
		RefundID: "refund-1",
		OrderID:  "order-1",
		Lines: []RefundLine{
			{Line: OrderLine{UnitPriceCents: 2000, Quantity: 5}, RefundedQuantity: 2},
		},
	}
	reversed, err := service.HandleRefundCreated(context.Background(), event)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	// 4000 of 10000 eligible cents refunded -> 40 of 100 points back.
	if reversed != 40 {
		t.Fatalf("expected 40 points reversed, got %d", reversed)
	}
	if balance := store.mustBalance(t, "shop.example.com", "cust-1"); balance.Balance != 60 {
		t.Fatalf("expected balance 60, got %d", balance.Balance)
	}
	snapshot := store.mustSnapshot(t, "shop.example.com", "order-1")
	if snapshot.PointsReversed != 40 {
		t.Fatalf("expected 40 points marked reversed, got %d", snapshot.PointsReversed)
	}
}

func TestRefundCappedAtRemainingAward(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())
	seedAwardedOrder(t, store, "order-1", "cust-1", 10000, 100)
	if err := store.AddSnapshotReversal(context.Background(), "shop.example.com", "order-1", 60); err != nil {
		t.Fatalf("seed reversal: %v", err)
	}

	event := RefundEvent{
		Shop:     "shop.example.com",
		RefundID: "refund-2",
		OrderID:  "order-1",
		Lines: []RefundLine{
			{Line: OrderLine{UnitPriceCents: 8000, Quantity: 1}, RefundedQuantity: 1},
		},
	}
	reversed, err := service.HandleRefundCreated(context.Background(), event)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	// Proportional share would be 80, only 40 remain un-reversed.
	if reversed != 40 {
		t.Fatalf("expected reversal capped at 40, got %d", reversed)
	}
}

// staleSnapshotStore serves reads from before a concurrent reversal committed
// while writes hit the live state, reproducing two refunds racing past the
// same snapshot read.
type staleSnapshotStore struct {
	*stubStore
	stale OrderSnapshot
}

func (s *staleSnapshotStore) GetOrderSnapshot(ctx context.Context, shop string, orderID string) (OrderSnapshot, bool, error) {
	if shop == s.stale.Shop && orderID == s.stale.OrderID {
		return s.stale, true, nil
	}
	return s.stubStore.GetOrderSnapshot(ctx, shop, orderID)
}

func TestRefundStaleSnapshotReadCannotOverReverse(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	seedAwardedOrder(t, store, "order-1", "cust-1", 10000, 100)

	// A concurrent refund of 80 points has already committed; this handler
	// still sees the snapshot as it was before that commit.
	ctx := context.Background()
	if err := store.AddSnapshotReversal(ctx, "shop.example.com", "order-1", 80); err != nil {
		t.Fatalf("seed reversal: %v", err)
	}
	if err := store.AppendLedgerEntry(ctx, LedgerEntry{
		EntryID:    "seed-reversal",
		Shop:       "shop.example.com",
		CustomerID: "cust-1",
		Type:       EntryReversal,
		Delta:      -80,
		Source:     SourceRefund,
		SourceID:   "refund-1",
		CreatedAt:  testNow.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed reversal entry: %v", err)
	}
	if _, err := store.ApplyBalanceDelta(ctx, "shop.example.com", "cust-1", BalanceDelta{Delta: -80}, testNow.Add(-time.Minute)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	stale := &staleSnapshotStore{
		stubStore: store,
		stale: OrderSnapshot{
			Shop:             "shop.example.com",
			OrderID:          "order-1",
			EligibleNetCents: 10000,
			PointsAwarded:    100,
		},
	}
	service := mustNewService(t, stale, defaultSettings(), &stubDiscounts{}, newStubDirectory())

	event := RefundEvent{
		Shop:     "shop.example.com",
		RefundID: "refund-2",
		OrderID:  "order-1",
		Lines: []RefundLine{
			{Line: OrderLine{UnitPriceCents: 8000, Quantity: 1}, RefundedQuantity: 1},
		},
	}
	reversed, err := service.HandleRefundCreated(ctx, event)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	// The guarded increment loses the race instead of reversing 80 more
	// against an award of 100.
	if reversed != 0 {
		t.Fatalf("expected lost race to reverse nothing, got %d", reversed)
	}
	snapshot := store.mustSnapshot(t, "shop.example.com", "order-1")
	if snapshot.PointsReversed != 80 {
		t.Fatalf("expected reversed to stay 80, got %d", snapshot.PointsReversed)
	}
	if balance := store.mustBalance(t, "shop.example.com", "cust-1"); balance.Balance != 20 {
		t.Fatalf("expected balance to stay 20, got %d", balance.Balance)
	}
	reversalEntries := 0
	for _, entry := range store.entries {
		if entry.Type == EntryReversal {
			reversalEntries++
		}
	}
	if reversalEntries != 1 {
		t.Fatalf("expected no second reversal entry, got %d", reversalEntries)
	}
}

func TestRefundRedeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())
	seedAwardedOrder(t, store, "order-1", "cust-1", 10000, 100)

	event := RefundEvent{
		Shop:     "shop.example.com",
		RefundID: "refund-1",
		OrderID:  "order-1",
		Lines: []RefundLine{
			{Line: OrderLine{UnitPriceCents: 2000, Quantity: 1}, RefundedQuantity: 1},
		},
	}
	if _, err := service.HandleRefundCreated(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	reversed, err := service.HandleRefundCreated(context.Background(), event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if reversed != 0 {
		t.Fatalf("expected redelivered refund to reverse nothing, got %d", reversed)
	}
	if balance := store.mustBalance(t, "shop.example.com", "cust-1"); balance.Balance != 80 {
		t.Fatalf("expected balance 80, got %d", balance.Balance)
	}
}

func TestRefundUnknownOrderIsNoOp(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())

	reversed, err := service.HandleRefundCreated(context.Background(), RefundEvent{
		Shop:     "shop.example.com",
		RefundID: "refund-x",
		OrderID:  "order-missing",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if reversed != 0 {
		t.Fatalf("expected no reversal, got %d", reversed)
	}
}

func TestCancelReversesRemainingAward(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())
	seedAwardedOrder(t, store, "order-1", "cust-1", 10000, 100)
	if err := store.AddSnapshotReversal(context.Background(), "shop.example.com", "order-1", 30); err != nil {
		t.Fatalf("seed reversal: %v", err)
	}

	reversed, err := service.HandleOrderCancelled(context.Background(), CancelEvent{
		Shop:    "shop.example.com",
		OrderID: "order-1",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if reversed != 70 {
		t.Fatalf("expected remaining 70 reversed, got %d", reversed)
	}
	if balance := store.mustBalance(t, "shop.example.com", "cust-1"); balance.Balance != 30 {
		t.Fatalf("expected balance 30, got %d", balance.Balance)
	}
	snapshot := store.mustSnapshot(t, "shop.example.com", "order-1")
	if snapshot.RemainingPoints() != 0 {
		t.Fatalf("expected nothing left to reverse, got %d", snapshot.RemainingPoints())
	}
}

func TestCancelRedeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())
	seedAwardedOrder(t, store, "order-1", "cust-1", 10000, 100)

	event := CancelEvent{Shop: "shop.example.com", OrderID: "order-1"}
	if _, err := service.HandleOrderCancelled(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	reversed, err := service.HandleOrderCancelled(context.Background(), event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if reversed != 0 {
		t.Fatalf("expected second cancel to reverse nothing, got %d", reversed)
	}
}

func TestPayloadAssemblesCustomerView(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.setBalance("shop.example.com", "cust-1", 320)
	store.redemptions["red-1"] = Redemption{
		RedemptionID: "red-1",
		Shop:         "shop.example.com",
		CustomerID:   "cust-1",
		Code:         "ACTIVE123456",
		Status:       RedemptionIssued,
		ExpiresAt:    testNow.Add(time.Hour),
	}
	store.entries = append(store.entries, LedgerEntry{
		Shop:       "shop.example.com",
		CustomerID: "cust-1",
		Type:       EntryEarn,
		Delta:      320,
	})
	service := mustNewService(t, store, defaultSettings(), &stubDiscounts{}, newStubDirectory())

	payload, err := service.Payload(context.Background(), "shop.example.com", "cust-1")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Balance.Balance != 320 {
		t.Fatalf("expected balance 320, got %d", payload.Balance.Balance)
	}
	if payload.ActiveRedemption == nil || payload.ActiveRedemption.Code != "ACTIVE123456" {
		t.Fatalf("expected active redemption in payload, got %+v", payload.ActiveRedemption)
	}
	if len(payload.RecentLedger) != 1 {
		t.Fatalf("expected 1 recent entry, got %d", len(payload.RecentLedger))
	}
	if payload.Settings.EarnRate != 1 {
		t.Fatalf("expected settings in payload, got %+v", payload.Settings)
	}
}

// seedAwardedOrder installs the snapshot, earn entry, and balance a processed
// order leaves behind.
func seedAwardedOrder(t *testing.T, store *stubStore, orderID string, customerID string, eligibleCents int64, points int64) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateOrderSnapshot(ctx, OrderSnapshot{
		Shop:             "shop.example.com",
		OrderID:          orderID,
		EligibleNetCents: eligibleCents,
		PointsAwarded:    points,
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if err := store.AppendLedgerEntry(ctx, LedgerEntry{
		EntryID:    "seed-" + orderID,
		Shop:       "shop.example.com",
		CustomerID: customerID,
		Type:       EntryEarn,
		Delta:      points,
		Source:     SourceOrder,
		SourceID:   orderID,
		CreatedAt:  testNow.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed earn entry: %v", err)
	}
	if _, err := store.ApplyBalanceDelta(ctx, "shop.example.com", customerID, BalanceDelta{Delta: points, IncEarned: points}, testNow.Add(-24*time.Hour)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}
