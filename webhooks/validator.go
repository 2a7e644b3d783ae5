package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

// Request is an inbound webhook as received at the edge.
type Request struct {
	Source  core.EventSource
	Headers map[string]string
	Body    []byte
}

// TenantSecret is the shared secret resolved for the sender. Required
// forces signature verification even when Secret is empty, which then
// always fails.
type TenantSecret struct {
	Secret   string
	Required bool
}

// Validated is a request that passed signature and shape checks.
type Validated struct {
	Source    core.EventSource
	EventType string
	StoreID   string
	DedupeKey string
	Platform  *PlatformEvent
	Courier   *CourierEvent
}

type Validator struct {
	SignatureHeader  string
	SignaturePrefix  string
	DeliveryIDHeader string
}

func NewValidator(cfg core.WebhookConfig) Validator {
	return Validator{
		SignatureHeader:  strings.TrimSpace(cfg.SignatureHeader),
		DeliveryIDHeader: strings.TrimSpace(cfg.DeliveryIDHeader),
	}
}

// TenantID extracts the key used to resolve the sender's secret: the store
// id for platform events and the external delivery id for courier events.
func (v Validator) TenantID(req Request) (string, error) {
	switch req.Source {
	case core.EventSourcePlatform:
		return PlatformTenantID(req.Body)
	case core.EventSourceCourier:
		return CourierTenantID(req.Body)
	default:
		return "", core.MalformedPayload("unknown event source " + string(req.Source))
	}
}

// Validate verifies the signature when the tenant requires it or has a
// secret configured, then parses and normalizes the payload.
func (v Validator) Validate(req Request, secret TenantSecret) (Validated, error) {
	if len(req.Body) == 0 {
		return Validated{}, core.MalformedPayload("payload is empty")
	}
	if secret.Required || strings.TrimSpace(secret.Secret) != "" {
		verifier := HMACVerifier{Header: v.SignatureHeader, Prefix: v.SignaturePrefix, Secret: secret.Secret}
		if err := verifier.Verify(req); err != nil {
			return Validated{}, err
		}
	}

	out := Validated{Source: req.Source, DedupeKey: v.DedupeKey(req)}
	switch req.Source {
	case core.EventSourcePlatform:
		event, err := ParsePlatformEvent(req.Body)
		if err != nil {
			return Validated{}, err
		}
		out.EventType = event.EventType
		out.StoreID = event.StoreID
		out.Platform = &event
	case core.EventSourceCourier:
		event, err := ParseCourierEvent(req.Body)
		if err != nil {
			return Validated{}, err
		}
		out.EventType = event.EventType
		out.StoreID = event.StoreID
		out.Courier = &event
	default:
		return Validated{}, core.MalformedPayload("unknown event source " + string(req.Source))
	}
	return out, nil
}

// DedupeKey prefers the sender's delivery id header and falls back to a
// digest of the raw body.
func (v Validator) DedupeKey(req Request) string {
	header := v.DeliveryIDHeader
	if header == "" {
		header = "X-Delivery-Id"
	}
	if id := headerValue(req.Headers, header); id != "" {
		return "id:" + id
	}
	sum := sha256.Sum256(req.Body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
