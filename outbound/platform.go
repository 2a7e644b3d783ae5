package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/lifecycle"
	"github.com/goliatone/go-dispatch/transport"
)

// CredentialSource returns decrypted merchant credentials. merchant.Registry
// satisfies it.
type CredentialSource interface {
	Resolve(ctx context.Context, storeID string) (core.Credentials, error)
}

// PlatformTokens supplies and refreshes platform bearer tokens.
// auth.PlatformTokenSource satisfies it.
type PlatformTokens interface {
	Token(ctx context.Context, storeID string, creds core.Credentials) (string, error)
	Refresh(ctx context.Context, storeID string, stale string) (core.Credentials, error)
}

// OrderFetcher lists orders changed since a point in time. The structured
// API is the default implementation; alternative sources plug in here.
type OrderFetcher interface {
	FetchOrders(ctx context.Context, storeID string, since time.Time) ([]core.Order, error)
}

type platformOrder struct {
	ID              string     `json:"id"`
	PlatformOrderID string     `json:"platform_order_id"`
	Status          string     `json:"status"`
	FulfillmentType string     `json:"fulfillment_type"`
	PromisedTime    *time.Time `json:"promised_time"`
	CustomerName    string     `json:"customer_name"`
	DropoffAddress  string     `json:"dropoff_address"`
	DropoffPhone    string     `json:"dropoff_phone"`
	TotalCents      int64      `json:"total_cents"`
}

type platformOrderList struct {
	Orders []platformOrder `json:"orders"`
}

type PlatformClient struct {
	BaseURL     string
	Timeout     time.Duration
	Queue       *Queue
	Credentials CredentialSource
	Tokens      PlatformTokens
}

var _ OrderFetcher = (*PlatformClient)(nil)

func NewPlatformClient(cfg core.DestinationConfig, queue *Queue, credentials CredentialSource, tokens PlatformTokens) *PlatformClient {
	return &PlatformClient{
		BaseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		Timeout:     cfg.Timeout,
		Queue:       queue,
		Credentials: credentials,
		Tokens:      tokens,
	}
}

func (c *PlatformClient) GetOrder(ctx context.Context, storeID string, orderID string) (core.Order, error) {
	res, err := c.do(ctx, storeID, "get_order", http.MethodGet, c.orderPath(storeID, orderID), nil, nil)
	if err != nil {
		return core.Order{}, err
	}
	wire := platformOrder{}
	if err := res.DecodeJSON(&wire); err != nil {
		return core.Order{}, err
	}
	return toOrder(storeID, wire)
}

func (c *PlatformClient) UpdateOrderStatus(ctx context.Context, storeID string, orderID string, status core.OrderStatus) error {
	if !status.Valid() {
		return core.BadInput(fmt.Sprintf("order status %q is invalid", status))
	}
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, storeID, "update_order_status", http.MethodPatch, c.orderPath(storeID, orderID), nil, body)
	return err
}

func (c *PlatformClient) FetchOrders(ctx context.Context, storeID string, since time.Time) ([]core.Order, error) {
	query := map[string]string{}
	if !since.IsZero() {
		query["updated_since"] = since.UTC().Format(time.RFC3339)
	}
	path := "/stores/" + url.PathEscape(strings.TrimSpace(storeID)) + "/orders"
	res, err := c.do(ctx, storeID, "fetch_orders", http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	list := platformOrderList{}
	if err := res.DecodeJSON(&list); err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(list.Orders))
	for _, wire := range list.Orders {
		order, err := toOrder(storeID, wire)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (c *PlatformClient) do(
	ctx context.Context,
	storeID string,
	operation string,
	method string,
	path string,
	query map[string]string,
	body []byte,
) (transport.Response, error) {
	if c == nil || c.Queue == nil || c.Credentials == nil || c.Tokens == nil {
		return transport.Response{}, fmt.Errorf("outbound: platform client is not configured")
	}
	storeID = strings.TrimSpace(storeID)
	lastToken := ""
	return c.Queue.Do(ctx, Call{
		StoreID:   storeID,
		Operation: operation,
		Request: func(ctx context.Context) (transport.Request, error) {
			creds, err := c.Credentials.Resolve(ctx, storeID)
			if err != nil {
				return transport.Request{}, err
			}
			token, err := c.Tokens.Token(ctx, storeID, creds)
			if err != nil {
				return transport.Request{}, err
			}
			lastToken = token
			return transport.Request{
				Method:  method,
				URL:     c.BaseURL + path,
				Query:   query,
				Headers: map[string]string{"Authorization": "Bearer " + token},
				Body:    body,
				Timeout: c.Timeout,
			}, nil
		},
		Refresh: func(ctx context.Context) error {
			_, err := c.Tokens.Refresh(ctx, storeID, lastToken)
			return err
		},
	})
}

func (c *PlatformClient) orderPath(storeID string, orderID string) string {
	return "/stores/" + url.PathEscape(strings.TrimSpace(storeID)) + "/orders/" + url.PathEscape(strings.TrimSpace(orderID))
}

func toOrder(storeID string, wire platformOrder) (core.Order, error) {
	orderID := strings.TrimSpace(wire.PlatformOrderID)
	if orderID == "" {
		orderID = strings.TrimSpace(wire.ID)
	}
	if orderID == "" {
		return core.Order{}, core.UpstreamRejected(http.StatusOK, "platform order has no id")
	}
	status, ok := lifecycle.ParsePlatformStatus(wire.Status)
	if !ok {
		return core.Order{}, core.UpstreamRejected(http.StatusOK, fmt.Sprintf("platform order %s has unknown status %q", orderID, wire.Status))
	}
	fulfillment := core.FulfillmentPickup
	if strings.TrimSpace(wire.FulfillmentType) != "" {
		parsed, ok := lifecycle.ParseFulfillmentType(wire.FulfillmentType)
		if !ok {
			return core.Order{}, core.UpstreamRejected(http.StatusOK, fmt.Sprintf("platform order %s has unknown fulfillment type %q", orderID, wire.FulfillmentType))
		}
		fulfillment = parsed
	}
	order := core.Order{
		StoreID:         strings.TrimSpace(storeID),
		PlatformOrderID: orderID,
		Status:          status,
		FulfillmentType: fulfillment,
		CustomerName:    strings.TrimSpace(wire.CustomerName),
		DropoffAddress:  strings.TrimSpace(wire.DropoffAddress),
		DropoffPhone:    strings.TrimSpace(wire.DropoffPhone),
		TotalCents:      wire.TotalCents,
	}
	if wire.PromisedTime != nil {
		promised := wire.PromisedTime.UTC()
		order.PromisedTime = &promised
	}
	return order, nil
}
