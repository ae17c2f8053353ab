package shopify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

// VerifyWebhookHMAC checks the platform's base64 SHA-256 signature over the
// raw request body.
func VerifyWebhookHMAC(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NormalizeOrderPaid converts a raw orders/paid webhook body into the fixed
// internal event. Discount codes are extracted across the payload shapes the
// platform has shipped over time.
func NormalizeOrderPaid(shop string, body []byte) (loyalty.OrderPaidEvent, error) {
	payload := gjson.ParseBytes(body)
	orderID := firstString(payload, "id", "order_id", "admin_graphql_api_id")
	if orderID == "" {
		return loyalty.OrderPaidEvent{}, fmt.Errorf("order-paid payload has no order id")
	}
	customerID := firstString(payload, "customer.id", "customer.admin_graphql_api_id")
	if customerID == "" {
		return loyalty.OrderPaidEvent{}, fmt.Errorf("order-paid payload has no customer id")
	}
	event := loyalty.OrderPaidEvent{
		Shop:          shop,
		OrderID:       orderID,
		CustomerID:    customerID,
		CustomerTags:  splitTags(payload.Get("customer.tags")),
		DiscountCodes: extractDiscountCodes(payload),
	}
	for _, item := range payload.Get("line_items").Array() {
		line, err := normalizeLine(item)
		if err != nil {
			return loyalty.OrderPaidEvent{}, err
		}
		event.Lines = append(event.Lines, line)
	}
	return event, nil
}

// NormalizeRefundCreated converts a raw refunds/create webhook body.
func NormalizeRefundCreated(shop string, body []byte) (loyalty.RefundEvent, error) {
	payload := gjson.ParseBytes(body)
	refundID := firstString(payload, "id", "admin_graphql_api_id")
	if refundID == "" {
		return loyalty.RefundEvent{}, fmt.Errorf("refund payload has no refund id")
	}
	orderID := firstString(payload, "order_id", "order.id")
	if orderID == "" {
		return loyalty.RefundEvent{}, fmt.Errorf("refund payload has no order id")
	}
	event := loyalty.RefundEvent{
		Shop:     shop,
		RefundID: refundID,
		OrderID:  orderID,
	}
	for _, refundItem := range payload.Get("refund_line_items").Array() {
		line, err := normalizeLine(refundItem.Get("line_item"))
		if err != nil {
			return loyalty.RefundEvent{}, err
		}
		event.Lines = append(event.Lines, loyalty.RefundLine{
			Line:             line,
			RefundedQuantity: refundItem.Get("quantity").Int(),
		})
	}
	return event, nil
}

// NormalizeOrderCancelled converts a raw orders/cancelled webhook body.
func NormalizeOrderCancelled(shop string, body []byte) (loyalty.CancelEvent, error) {
	payload := gjson.ParseBytes(body)
	orderID := firstString(payload, "id", "order_id")
	if orderID == "" {
		return loyalty.CancelEvent{}, fmt.Errorf("order-cancelled payload has no order id")
	}
	return loyalty.CancelEvent{Shop: shop, OrderID: orderID}, nil
}

func normalizeLine(item gjson.Result) (loyalty.OrderLine, error) {
	unitPrice, err := moneyCents(item.Get("price"))
	if err != nil {
		return loyalty.OrderLine{}, fmt.Errorf("line price: %w", err)
	}
	discount, err := moneyCents(item.Get("total_discount"))
	if err != nil {
		return loyalty.OrderLine{}, fmt.Errorf("line discount: %w", err)
	}
	line := loyalty.OrderLine{
		ProductID:      item.Get("product_id").String(),
		UnitPriceCents: unitPrice,
		Quantity:       item.Get("quantity").Int(),
		DiscountCents:  discount,
		ProductTags:    splitTags(item.Get("tags")),
	}
	for _, collection := range item.Get("collection_ids").Array() {
		line.CollectionIDs = append(line.CollectionIDs, collection.String())
	}
	return line, nil
}

// extractDiscountCodes gathers applied codes from every shape observed in
// order payloads: top-level discount_codes, discount_applications, and the
// embedded checkout.
var discountCodePaths = []string{
	"discount_codes.#.code",
	"discount_applications.#.code",
	"checkout.discount_codes.#.code",
}

func extractDiscountCodes(payload gjson.Result) []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, path := range discountCodePaths {
		for _, code := range payload.Get(path).Array() {
			value := strings.TrimSpace(code.String())
			if value == "" {
				continue
			}
			if _, duplicate := seen[value]; duplicate {
				continue
			}
			seen[value] = struct{}{}
			codes = append(codes, value)
		}
	}
	// Some payloads carry a single bare string instead of a list.
	if single := payload.Get("discount_code"); single.Type == gjson.String {
		value := strings.TrimSpace(single.String())
		if value != "" {
			if _, duplicate := seen[value]; !duplicate {
				codes = append(codes, value)
			}
		}
	}
	return codes
}

// moneyCents parses the platform's string-encoded decimal money values.
func moneyCents(value gjson.Result) (int64, error) {
	if !value.Exists() || strings.TrimSpace(value.String()) == "" {
		return 0, nil
	}
	amount, err := decimal.NewFromString(value.String())
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", value.String(), err)
	}
	return amount.Mul(decimal.NewFromInt(100)).IntPart(), nil
}

// splitTags handles both comma-delimited strings and array-shaped tags.
func splitTags(value gjson.Result) []string {
	if value.IsArray() {
		var tags []string
		for _, tag := range value.Array() {
			if trimmed := strings.TrimSpace(tag.String()); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
		return tags
	}
	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

func firstString(payload gjson.Result, paths ...string) string {
	for _, path := range paths {
		if value := payload.Get(path); value.Exists() {
			raw := strings.TrimSpace(value.String())
			if raw != "" {
				return raw
			}
		}
	}
	return ""
}
