package loyalty

import (
	"errors"
	"testing"
	"time"
)

func TestParseEntryType(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"EARN", "REDEEM", "REVERSAL", "EXPIRE", "ADJUST"} {
		parsed, err := ParseEntryType(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if parsed.String() != raw {
			t.Fatalf("expected %s, got %s", raw, parsed)
		}
	}
	if _, err := ParseEntryType("BONUS"); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestRedemptionStatusActive(t *testing.T) {
	t.Parallel()
	active := map[RedemptionStatus]bool{
		RedemptionIssued:   true,
		RedemptionApplied:  true,
		RedemptionConsumed: false,
		RedemptionExpired:  false,
		RedemptionVoid:     false,
	}
	for status, want := range active {
		if status.Active() != want {
			t.Fatalf("status %s: expected active=%v", status, want)
		}
	}
}

func TestRedemptionActiveAtRespectsExpiry(t *testing.T) {
	t.Parallel()
	redemption := Redemption{Status: RedemptionIssued, ExpiresAt: testNow}
	if redemption.ActiveAt(testNow) {
		t.Fatalf("expected redemption inactive at its expiry instant")
	}
	if !redemption.ActiveAt(testNow.Add(-time.Second)) {
		t.Fatalf("expected redemption active before expiry")
	}
}

func TestOrderSnapshotRemainingPointsClamps(t *testing.T) {
	t.Parallel()
	snapshot := OrderSnapshot{PointsAwarded: 100, PointsReversed: 40}
	if got := snapshot.RemainingPoints(); got != 60 {
		t.Fatalf("expected 60 remaining, got %d", got)
	}
	snapshot.PointsReversed = 150
	if got := snapshot.RemainingPoints(); got != 0 {
		t.Fatalf("expected remaining clamped at 0, got %d", got)
	}
}

func TestShopSettingsSteps(t *testing.T) {
	t.Parallel()
	settings := defaultSettings()
	if !settings.StepAllowed(500) {
		t.Fatalf("expected 500 to be a configured step")
	}
	if settings.StepAllowed(250) {
		t.Fatalf("expected 250 to be rejected")
	}
	value, err := settings.StepValueCents(100)
	if err != nil {
		t.Fatalf("step value: %v", err)
	}
	if value != 500 {
		t.Fatalf("expected 500 cents, got %d", value)
	}
	if _, err := settings.StepValueCents(999); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unmapped step, got %v", err)
	}
}

func TestCustomerExcludedIgnoresCase(t *testing.T) {
	t.Parallel()
	settings := ShopSettings{ExcludedCustomerTags: []string{"Wholesale"}}
	if !settings.CustomerExcluded([]string{"vip", " wholesale "}) {
		t.Fatalf("expected case- and space-insensitive match")
	}
	if settings.CustomerExcluded([]string{"retail"}) {
		t.Fatalf("expected no match for unrelated tags")
	}
	if settings.CustomerExcluded(nil) {
		t.Fatalf("expected no match for empty tag set")
	}
}

func TestOrderLineNetCentsClamps(t *testing.T) {
	t.Parallel()
	line := OrderLine{UnitPriceCents: 1000, Quantity: 2, DiscountCents: 500}
	if got := line.NetCents(); got != 1500 {
		t.Fatalf("expected 1500, got %d", got)
	}
	line.DiscountCents = 5000
	if got := line.NetCents(); got != 0 {
		t.Fatalf("expected net clamped at 0, got %d", got)
	}
}

func TestValidateShopCustomer(t *testing.T) {
	t.Parallel()
	if err := validateShopCustomer("shop.example.com", "cust-1"); err != nil {
		t.Fatalf("expected valid pair, got %v", err)
	}
	if err := validateShopCustomer(" ", "cust-1"); !errors.Is(err, ErrInvalidShop) {
		t.Fatalf("expected ErrInvalidShop, got %v", err)
	}
	if err := validateShopCustomer("shop.example.com", ""); !errors.Is(err, ErrInvalidCustomerID) {
		t.Fatalf("expected ErrInvalidCustomerID, got %v", err)
	}
}
