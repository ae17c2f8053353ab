// Package shopify adapts the commerce platform's Admin GraphQL API and
// webhook payloads to the engine's contracts. The engine never sees raw
// platform payloads; everything is normalized at this boundary.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

const (
	defaultAPIVersion  = "2024-07"
	defaultCallTimeout = 10 * time.Second
	accessTokenHeader  = "X-Shopify-Access-Token"
)

// Client speaks Admin GraphQL for one app installation. It implements
// loyalty.DiscountService and loyalty.CustomerDirectory.
type Client struct {
	httpClient  *http.Client
	accessToken string
	apiVersion  string
	timeout     time.Duration
	baseURLFor  func(shop string) string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// WithBaseURL overrides endpoint construction (tests point it at a local server).
func WithBaseURL(baseURLFor func(shop string) string) ClientOption {
	return func(client *Client) {
		client.baseURLFor = baseURLFor
	}
}

// WithCallTimeout bounds each remote call; a timeout is treated like any
// other remote failure by the caller.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.timeout = timeout
	}
}

// NewClient wires a Client.
func NewClient(accessToken string, options ...ClientOption) *Client {
	client := &Client{
		httpClient:  &http.Client{},
		accessToken: accessToken,
		apiVersion:  defaultAPIVersion,
		timeout:     defaultCallTimeout,
	}
	client.baseURLFor = func(shop string) string {
		return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shop, client.apiVersion)
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

const discountCreateMutation = `mutation discountCodeBasicCreate($basicCodeDiscount: DiscountCodeBasicInput!) {
  discountCodeBasicCreate(basicCodeDiscount: $basicCodeDiscount) {
    codeDiscountNode { id }
    userErrors { field message }
  }
}`

// CreateDiscountCode creates a customer-bound, single-use discount code and
// returns the discount node id.
func (client *Client) CreateDiscountCode(ctx context.Context, request loyalty.DiscountCodeRequest) (string, error) {
	variables := map[string]interface{}{
		"basicCodeDiscount": map[string]interface{}{
			"title":    fmt.Sprintf("Loyalty reward %s", request.Code),
			"code":     request.Code,
			"startsAt": time.Now().UTC().Format(time.RFC3339),
			"endsAt":   request.ExpiresAt.UTC().Format(time.RFC3339),
			"customerSelection": map[string]interface{}{
				"customers": map[string]interface{}{
					"add": []string{customerGID(request.CustomerID)},
				},
			},
			"customerGets": map[string]interface{}{
				"value": map[string]interface{}{
					"discountAmount": map[string]interface{}{
						"amount":            centsToDecimalString(request.ValueCents),
						"appliesOnEachItem": false,
					},
				},
				"items": map[string]interface{}{
					"collections": map[string]interface{}{
						"add": []string{request.CollectionID},
					},
				},
			},
			"minimumRequirement": map[string]interface{}{
				"subtotal": map[string]interface{}{
					"greaterThanOrEqualToSubtotal": centsToDecimalString(request.MinSubtotalCents),
				},
			},
			"usageLimit":           1,
			"appliesOncePerCustomer": true,
		},
	}
	result, err := client.do(ctx, request.Shop, discountCreateMutation, variables)
	if err != nil {
		return "", err
	}
	payload := result.Get("data.discountCodeBasicCreate")
	if userErrors := payload.Get("userErrors"); userErrors.Exists() && len(userErrors.Array()) > 0 {
		return "", fmt.Errorf("discount creation rejected: %s", userErrors.Raw)
	}
	nodeID := payload.Get("codeDiscountNode.id").String()
	if nodeID == "" {
		return "", fmt.Errorf("discount creation returned no node id")
	}
	return nodeID, nil
}

const customerTagsQuery = `query customerTags($id: ID!) {
  customer(id: $id) { tags }
}`

// FetchCustomerTags returns the customer's tags.
func (client *Client) FetchCustomerTags(ctx context.Context, shop string, customerID string) ([]string, error) {
	result, err := client.do(ctx, shop, customerTagsQuery, map[string]interface{}{"id": customerGID(customerID)})
	if err != nil {
		return nil, err
	}
	raw := result.Get("data.customer.tags")
	if !raw.Exists() {
		return nil, nil
	}
	tags := make([]string, 0, len(raw.Array()))
	for _, tag := range raw.Array() {
		tags = append(tags, tag.String())
	}
	return tags, nil
}

const collectionByHandleQuery = `query collectionByHandle($handle: String!) {
  collectionByHandle(handle: $handle) { id }
}`

// ResolveCollectionByHandle resolves a collection handle to its node id.
func (client *Client) ResolveCollectionByHandle(ctx context.Context, shop string, handle string) (string, error) {
	result, err := client.do(ctx, shop, collectionByHandleQuery, map[string]interface{}{"handle": handle})
	if err != nil {
		return "", err
	}
	return result.Get("data.collectionByHandle.id").String(), nil
}

func (client *Client) do(ctx context.Context, shop string, query string, variables map[string]interface{}) (gjson.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode graphql request: %w", err)
	}
	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, client.baseURLFor(shop), bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build graphql request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(accessTokenHeader, client.accessToken)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("graphql call: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read graphql response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("graphql call returned %d: %s", response.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	parsed := gjson.ParseBytes(responseBody)
	if graphqlErrors := parsed.Get("errors"); graphqlErrors.Exists() && len(graphqlErrors.Array()) > 0 {
		return gjson.Result{}, fmt.Errorf("graphql errors: %s", graphqlErrors.Raw)
	}
	return parsed, nil
}

func customerGID(customerID string) string {
	if strings.HasPrefix(customerID, "gid://") {
		return customerID
	}
	return "gid://shopify/Customer/" + customerID
}

func centsToDecimalString(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
