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

// TokenMinter signs the per-call courier token. auth.CourierTokenMinter
// satisfies it.
type TokenMinter interface {
	Mint(creds core.Credentials) (string, error)
}

// DeliveryRequest is the courier create payload. ExternalDeliveryID is the
// idempotency key.
type DeliveryRequest struct {
	ExternalDeliveryID  string     `json:"external_delivery_id"`
	PickupAddress       string     `json:"pickup_address"`
	PickupPhoneNumber   string     `json:"pickup_phone_number,omitempty"`
	PickupBusinessName  string     `json:"pickup_business_name,omitempty"`
	DropoffAddress      string     `json:"dropoff_address"`
	DropoffPhoneNumber  string     `json:"dropoff_phone_number,omitempty"`
	DropoffContactName  string     `json:"dropoff_contact_given_name,omitempty"`
	OrderValue          int64      `json:"order_value,omitempty"`
	PickupTime          *time.Time `json:"pickup_time,omitempty"`
	DropoffInstructions string     `json:"dropoff_instructions,omitempty"`
}

// CourierDelivery is the courier's view of a delivery. Known is false when
// RawStatus is outside the mapped vocabulary.
type CourierDelivery struct {
	ExternalDeliveryID string
	CourierDeliveryID  string
	RawStatus          string
	Status             core.DeliveryStatus
	Known              bool
	TrackingURL        string
	FeeCents           int64
}

type courierDeliveryWire struct {
	ExternalDeliveryID string `json:"external_delivery_id"`
	DeliveryID         string `json:"delivery_id"`
	ID                 string `json:"id"`
	Status             string `json:"delivery_status"`
	StatusAlt          string `json:"status"`
	TrackingURL        string `json:"tracking_url"`
	Fee                int64  `json:"fee"`
}

// CourierClient calls the courier API. Every call is a single queue attempt.
// Creates are retried by the dispatch scheduler, cancels by the event
// executor or by the operator re-issuing the command.
type CourierClient struct {
	BaseURL     string
	Timeout     time.Duration
	Queue       *Queue
	Credentials CredentialSource
	Minter      TokenMinter
}

func NewCourierClient(cfg core.DestinationConfig, queue *Queue, credentials CredentialSource, minter TokenMinter) *CourierClient {
	return &CourierClient{
		BaseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		Timeout:     cfg.Timeout,
		Queue:       queue,
		Credentials: credentials,
		Minter:      minter,
	}
}

// CreateDelivery submits a delivery. A 409 means the courier already holds
// one for the external id, which is fetched and returned instead.
func (c *CourierClient) CreateDelivery(ctx context.Context, storeID string, req DeliveryRequest) (CourierDelivery, error) {
	req.ExternalDeliveryID = strings.TrimSpace(req.ExternalDeliveryID)
	if req.ExternalDeliveryID == "" {
		return CourierDelivery{}, core.BadInput("external_delivery_id is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return CourierDelivery{}, err
	}
	res, err := c.do(ctx, storeID, "create_delivery", http.MethodPost, "/deliveries", body)
	if err != nil {
		if core.UpstreamStatus(err) == http.StatusConflict {
			return c.GetDelivery(ctx, storeID, req.ExternalDeliveryID)
		}
		return CourierDelivery{}, err
	}
	return decodeCourierDelivery(res, req.ExternalDeliveryID)
}

// CancelDelivery is idempotent: a delivery the courier no longer knows or
// can no longer cancel counts as cancelled.
func (c *CourierClient) CancelDelivery(ctx context.Context, storeID string, externalID string) error {
	_, err := c.do(ctx, storeID, "cancel_delivery", http.MethodPut, c.deliveryPath(externalID)+"/cancel", nil)
	if err == nil {
		return nil
	}
	switch core.UpstreamStatus(err) {
	case http.StatusNotFound, http.StatusConflict:
		return nil
	}
	return err
}

func (c *CourierClient) GetDelivery(ctx context.Context, storeID string, externalID string) (CourierDelivery, error) {
	res, err := c.do(ctx, storeID, "get_delivery", http.MethodGet, c.deliveryPath(externalID), nil)
	if err != nil {
		return CourierDelivery{}, err
	}
	return decodeCourierDelivery(res, externalID)
}

func (c *CourierClient) do(ctx context.Context, storeID string, operation string, method string, path string, body []byte) (transport.Response, error) {
	if c == nil || c.Queue == nil || c.Credentials == nil || c.Minter == nil {
		return transport.Response{}, fmt.Errorf("outbound: courier client is not configured")
	}
	storeID = strings.TrimSpace(storeID)
	return c.Queue.Do(ctx, Call{
		StoreID:       storeID,
		Operation:     operation,
		SingleAttempt: true,
		Request: func(ctx context.Context) (transport.Request, error) {
			creds, err := c.Credentials.Resolve(ctx, storeID)
			if err != nil {
				return transport.Request{}, err
			}
			token, err := c.Minter.Mint(creds)
			if err != nil {
				return transport.Request{}, err
			}
			return transport.Request{
				Method:  method,
				URL:     c.BaseURL + path,
				Headers: map[string]string{"Authorization": "Bearer " + token},
				Body:    body,
				Timeout: c.Timeout,
			}, nil
		},
	})
}

func (c *CourierClient) deliveryPath(externalID string) string {
	return "/deliveries/" + url.PathEscape(strings.TrimSpace(externalID))
}

func decodeCourierDelivery(res transport.Response, externalID string) (CourierDelivery, error) {
	wire := courierDeliveryWire{}
	if err := res.DecodeJSON(&wire); err != nil {
		return CourierDelivery{}, err
	}
	out := CourierDelivery{
		ExternalDeliveryID: strings.TrimSpace(wire.ExternalDeliveryID),
		CourierDeliveryID:  strings.TrimSpace(wire.DeliveryID),
		RawStatus:          strings.TrimSpace(wire.Status),
		TrackingURL:        strings.TrimSpace(wire.TrackingURL),
		FeeCents:           wire.Fee,
	}
	if out.ExternalDeliveryID == "" {
		out.ExternalDeliveryID = strings.TrimSpace(externalID)
	}
	if out.CourierDeliveryID == "" {
		out.CourierDeliveryID = strings.TrimSpace(wire.ID)
	}
	if out.RawStatus == "" {
		out.RawStatus = strings.TrimSpace(wire.StatusAlt)
	}
	out.Status, out.Known = lifecycle.ParseCourierStatus(out.RawStatus)
	return out, nil
}
