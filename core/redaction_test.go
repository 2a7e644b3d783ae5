package core

import (
	"context"
	"testing"
)

func TestRedactSensitiveMapKeepsDeliveryIdentifiers(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"event_id":              "evt_1",
		"external_delivery_id":  "S1:O1",
		"store_id":              "S1",
		"platform_access_token": "tok",
		"authorization":         "Bearer tok",
		"merchant": map[string]any{
			"webhook_secret": "whsec",
			"store_id":       "S1",
		},
		"attempts": []any{map[string]any{"courier_signing_secret": "sig"}, map[string]any{"request_id": "req_1"}},
	})

	if redacted["event_id"] != "evt_1" || redacted["external_delivery_id"] != "S1:O1" {
		t.Fatalf("expected identifiers to remain visible, got %#v", redacted)
	}
	if redacted["platform_access_token"] != RedactedValue || redacted["authorization"] != RedactedValue {
		t.Fatalf("expected tokens to be redacted, got %#v", redacted)
	}
	nested, ok := redacted["merchant"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["webhook_secret"] != RedactedValue || nested["store_id"] != "S1" {
		t.Fatalf("unexpected nested redaction %#v", nested)
	}
	attempts := redacted["attempts"].([]any)
	if attempts[0].(map[string]any)["courier_signing_secret"] != RedactedValue {
		t.Fatalf("expected secrets inside slices to be redacted")
	}
}

func TestObserverLogRedactsSecrets(t *testing.T) {
	logger := newCaptureLogger()
	observer := NewObserver(logger, nil)

	observer.Log(context.Background(), "info", "merchant onboarded", map[string]any{
		"store_id":       "S1",
		"webhook_secret": "whsec",
	})

	records := logger.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected one log record, got %d", len(records))
	}
	if records[0].fields["webhook_secret"] != RedactedValue {
		t.Fatalf("expected webhook_secret to be redacted, got %#v", records[0].fields["webhook_secret"])
	}
	if records[0].fields["store_id"] != "S1" {
		t.Fatalf("expected store_id to stay visible, got %#v", records[0].fields["store_id"])
	}
}
