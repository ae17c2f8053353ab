package shopify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookHMAC(t *testing.T) {
	t.Parallel()
	body := []byte(`{"id":123}`)
	signature := signBody("topsecret", body)

	if !VerifyWebhookHMAC("topsecret", body, signature) {
		t.Fatalf("expected valid signature to verify")
	}
	if VerifyWebhookHMAC("wrongsecret", body, signature) {
		t.Fatalf("expected wrong secret to fail")
	}
	if VerifyWebhookHMAC("topsecret", []byte(`{"id":124}`), signature) {
		t.Fatalf("expected tampered body to fail")
	}
}

func TestNormalizeOrderPaid(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"id": 450789469,
		"customer": {"id": 207119551, "tags": "vip, wholesale"},
		"discount_codes": [{"code": "SAVE10", "amount": "10.00"}],
		"line_items": [
			{
				"product_id": 7513594,
				"price": "12.50",
				"quantity": 2,
				"total_discount": "2.50",
				"tags": "sale"
			}
		]
	}`)

	event, err := NormalizeOrderPaid("shop.example.com", body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.OrderID != "450789469" {
		t.Fatalf("unexpected order id: %s", event.OrderID)
	}
	if event.CustomerID != "207119551" {
		t.Fatalf("unexpected customer id: %s", event.CustomerID)
	}
	if len(event.CustomerTags) != 2 || event.CustomerTags[0] != "vip" || event.CustomerTags[1] != "wholesale" {
		t.Fatalf("unexpected customer tags: %v", event.CustomerTags)
	}
	if len(event.DiscountCodes) != 1 || event.DiscountCodes[0] != "SAVE10" {
		t.Fatalf("unexpected discount codes: %v", event.DiscountCodes)
	}
	if len(event.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(event.Lines))
	}
	line := event.Lines[0]
	if line.UnitPriceCents != 1250 || line.Quantity != 2 || line.DiscountCents != 250 {
		t.Fatalf("unexpected line money: %+v", line)
	}
	if line.ProductID != "7513594" {
		t.Fatalf("unexpected product id: %s", line.ProductID)
	}
}

func TestNormalizeOrderPaidArrayTags(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"id": "gid://shopify/Order/1",
		"customer": {"id": "c-1", "tags": ["VIP", " wholesale "]},
		"line_items": []
	}`)

	event, err := NormalizeOrderPaid("shop.example.com", body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(event.CustomerTags) != 2 || event.CustomerTags[0] != "VIP" || event.CustomerTags[1] != "wholesale" {
		t.Fatalf("unexpected tags: %v", event.CustomerTags)
	}
}

func TestNormalizeOrderPaidDiscountCodeShapes(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"id": 1,
		"customer": {"id": 2},
		"discount_codes": [{"code": "ALPHA"}],
		"discount_applications": [{"code": "BETA"}, {"code": "ALPHA"}],
		"checkout": {"discount_codes": [{"code": "GAMMA"}]},
		"discount_code": "DELTA"
	}`)

	event, err := NormalizeOrderPaid("shop.example.com", body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []string{"ALPHA", "BETA", "GAMMA", "DELTA"}
	if len(event.DiscountCodes) != len(want) {
		t.Fatalf("expected %d de-duplicated codes, got %v", len(want), event.DiscountCodes)
	}
	for index, code := range want {
		if event.DiscountCodes[index] != code {
			t.Fatalf("expected %s at %d, got %v", code, index, event.DiscountCodes)
		}
	}
}

func TestNormalizeOrderPaidMissingIdentifiers(t *testing.T) {
	t.Parallel()
	if _, err := NormalizeOrderPaid("shop.example.com", []byte(`{"customer":{"id":1}}`)); err == nil {
		t.Fatalf("expected error for missing order id")
	}
	if _, err := NormalizeOrderPaid("shop.example.com", []byte(`{"id":1}`)); err == nil {
		t.Fatalf("expected error for missing customer id")
	}
}

func TestNormalizeRefundCreated(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"id": 889,
		"order_id": 450789469,
		"refund_line_items": [
			{
				"quantity": 1,
				"line_item": {"product_id": 7513594, "price": "20.00", "quantity": 3, "total_discount": "3.00"}
			}
		]
	}`)

	event, err := NormalizeRefundCreated("shop.example.com", body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.RefundID != "889" || event.OrderID != "450789469" {
		t.Fatalf("unexpected ids: %+v", event)
	}
	if len(event.Lines) != 1 {
		t.Fatalf("expected 1 refund line, got %d", len(event.Lines))
	}
	refundLine := event.Lines[0]
	if refundLine.RefundedQuantity != 1 {
		t.Fatalf("unexpected refunded quantity: %d", refundLine.RefundedQuantity)
	}
	if refundLine.Line.UnitPriceCents != 2000 || refundLine.Line.Quantity != 3 || refundLine.Line.DiscountCents != 300 {
		t.Fatalf("unexpected original line: %+v", refundLine.Line)
	}
}

func TestNormalizeOrderCancelled(t *testing.T) {
	t.Parallel()
	event, err := NormalizeOrderCancelled("shop.example.com", []byte(`{"id": 42}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.OrderID != "42" || event.Shop != "shop.example.com" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if _, err := NormalizeOrderCancelled("shop.example.com", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing order id")
	}
}

func TestMoneyCentsParsing(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"id": 1,
		"customer": {"id": 2},
		"line_items": [{"price": "0.99", "quantity": 1, "total_discount": ""}]
	}`)

	event, err := NormalizeOrderPaid("shop.example.com", body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.Lines[0].UnitPriceCents != 99 || event.Lines[0].DiscountCents != 0 {
		t.Fatalf("unexpected money parse: %+v", event.Lines[0])
	}

	bad := []byte(`{"id":1,"customer":{"id":2},"line_items":[{"price":"abc","quantity":1}]}`)
	if _, err := NormalizeOrderPaid("shop.example.com", bad); err == nil {
		t.Fatalf("expected error for unparseable money")
	}
}
