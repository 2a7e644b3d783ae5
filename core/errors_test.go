package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestErrorConstructors_AssignStableCodes(t *testing.T) {
	cases := []struct {
		err      *goerrors.Error
		textCode string
		status   int
	}{
		{AuthenticationFailed("bad signature"), ErrorAuthenticationFailed, http.StatusUnauthorized},
		{MalformedPayload("no store"), ErrorMalformedPayload, http.StatusBadRequest},
		{TenantNotFound("S1"), ErrorTenantNotFound, http.StatusNotFound},
		{TenantInactive("S1"), ErrorTenantInactive, http.StatusForbidden},
		{PersistenceUnavailable(stderrors.New("db down")), ErrorPersistenceUnavailable, http.StatusServiceUnavailable},
		{TransientUpstream(nil, 503, "courier unavailable"), ErrorTransientUpstream, http.StatusBadGateway},
		{UpstreamRejected(422, "invalid address"), ErrorUpstreamRejected, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if tc.err.TextCode != tc.textCode {
			t.Fatalf("expected text code %q, got %q", tc.textCode, tc.err.TextCode)
		}
		if tc.err.Code != tc.status {
			t.Fatalf("expected status %d for %q, got %d", tc.status, tc.textCode, tc.err.Code)
		}
	}
}

func TestClassification_RetryableVersusTerminal(t *testing.T) {
	retryable := []error{
		TransientUpstream(stderrors.New("dial tcp: timeout"), 0, "network"),
		TransientUpstream(nil, 503, "unavailable"),
		PersistenceUnavailable(nil),
		stderrors.New("unclassified failure"),
		fmt.Errorf("wrapped: %w", TransientUpstream(nil, 502, "bad gateway")),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Fatalf("expected retryable: %v", err)
		}
	}

	terminal := []error{
		AuthenticationFailed("bad signature"),
		MalformedPayload("missing store_id"),
		UpstreamRejected(400, "bad request"),
		TenantNotFound("S9"),
		TenantInactive("S9"),
		fmt.Errorf("wrapped: %w", ErrInvalidOrderStatusTransition),
		goerrors.NewValidation("invalid", goerrors.FieldError{Field: "id", Message: "required"}),
	}
	for _, err := range terminal {
		if !IsTerminal(err) {
			t.Fatalf("expected terminal: %v", err)
		}
	}

	if IsTerminal(context.Canceled) || IsTerminal(nil) || IsRetryable(nil) {
		t.Fatalf("expected cancellation and nil to be neither terminal nor retryable-terminal")
	}
}

func TestUpstreamStatus_ReadsMetadata(t *testing.T) {
	err := fmt.Errorf("outer: %w", TransientUpstream(nil, 503, "unavailable"))
	if got := UpstreamStatus(err); got != 503 {
		t.Fatalf("expected 503, got %d", got)
	}
	if got := UpstreamStatus(stderrors.New("plain")); got != 0 {
		t.Fatalf("expected 0 for plain errors, got %d", got)
	}
	if !IsUnauthorized(UpstreamUnauthorized("token expired")) {
		t.Fatalf("expected unauthorized classification")
	}
}

func TestMapError_EnvelopesPlainErrors(t *testing.T) {
	mapped := MapError(fmt.Errorf("wrap: %w", ErrInvalidDeliveryStatusTransition))
	if mapped.TextCode != ErrorInvalidTransition || mapped.Code != http.StatusConflict {
		t.Fatalf("expected invalid transition envelope, got %q/%d", mapped.TextCode, mapped.Code)
	}

	mapped = MapError(stderrors.New("store_id is required"))
	if mapped.TextCode != ErrorBadInput || mapped.Code != http.StatusBadRequest {
		t.Fatalf("expected bad input envelope, got %q/%d", mapped.TextCode, mapped.Code)
	}

	original := TenantInactive("S1")
	if MapError(original) != original {
		t.Fatalf("expected rich errors to pass through")
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
