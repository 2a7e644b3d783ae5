package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorAuthenticationFailed   = "DISPATCH_AUTHENTICATION_FAILED"
	ErrorMalformedPayload       = "DISPATCH_MALFORMED_PAYLOAD"
	ErrorTransientUpstream      = "DISPATCH_TRANSIENT_UPSTREAM"
	ErrorUpstreamRejected       = "DISPATCH_UPSTREAM_REJECTED"
	ErrorUpstreamUnauthorized   = "DISPATCH_UPSTREAM_UNAUTHORIZED"
	ErrorTenantNotFound         = "DISPATCH_TENANT_NOT_FOUND"
	ErrorTenantInactive         = "DISPATCH_TENANT_INACTIVE"
	ErrorPersistenceUnavailable = "DISPATCH_PERSISTENCE_UNAVAILABLE"
	ErrorInvalidTransition      = "DISPATCH_INVALID_TRANSITION"
	ErrorEventNotFound          = "DISPATCH_EVENT_NOT_FOUND"
	ErrorRecordNotFound         = "DISPATCH_RECORD_NOT_FOUND"
	ErrorBadInput               = "DISPATCH_BAD_INPUT"
	ErrorWebhookThrottled       = "DISPATCH_WEBHOOK_THROTTLED"
	ErrorInternal               = "DISPATCH_INTERNAL_ERROR"
)

const MetadataKeyUpstreamStatus = "upstream_status"

func AuthenticationFailed(message string) *goerrors.Error {
	return newDispatchError(message, goerrors.CategoryAuth, ErrorAuthenticationFailed, http.StatusUnauthorized)
}

func MalformedPayload(message string) *goerrors.Error {
	return newDispatchError(message, goerrors.CategoryBadInput, ErrorMalformedPayload, http.StatusBadRequest)
}

func TenantNotFound(storeID string) *goerrors.Error {
	return newDispatchError(
		fmt.Sprintf("merchant %q is not registered", strings.TrimSpace(storeID)),
		goerrors.CategoryNotFound,
		ErrorTenantNotFound,
		http.StatusNotFound,
	).WithMetadata(map[string]any{"store_id": strings.TrimSpace(storeID)})
}

func TenantInactive(storeID string) *goerrors.Error {
	return newDispatchError(
		fmt.Sprintf("merchant %q is inactive", strings.TrimSpace(storeID)),
		goerrors.CategoryAuthz,
		ErrorTenantInactive,
		http.StatusForbidden,
	).WithMetadata(map[string]any{"store_id": strings.TrimSpace(storeID)})
}

// WebhookThrottled rejects a webhook for an unregistered or inactive store
// once the unauthenticated recording budget is spent.
func WebhookThrottled(storeID string) *goerrors.Error {
	return newDispatchError(
		fmt.Sprintf("webhooks for unregistered store %q are throttled", strings.TrimSpace(storeID)),
		goerrors.CategoryRateLimit,
		ErrorWebhookThrottled,
		http.StatusTooManyRequests,
	).WithMetadata(map[string]any{"store_id": strings.TrimSpace(storeID)})
}

func EventNotFound(id string) *goerrors.Error {
	return newDispatchError(
		fmt.Sprintf("webhook event %q not found", strings.TrimSpace(id)),
		goerrors.CategoryNotFound,
		ErrorEventNotFound,
		http.StatusNotFound,
	)
}

func RecordNotFound(kind string, key string) *goerrors.Error {
	return newDispatchError(
		fmt.Sprintf("%s %q not found", kind, strings.TrimSpace(key)),
		goerrors.CategoryNotFound,
		ErrorRecordNotFound,
		http.StatusNotFound,
	)
}

func InvalidTransition(cause error) *goerrors.Error {
	return wrapDispatchError(cause, goerrors.CategoryConflict, ErrorInvalidTransition, http.StatusConflict, cause.Error())
}

func PersistenceUnavailable(cause error) *goerrors.Error {
	if cause == nil {
		cause = errors.New("persistence layer unavailable")
	}
	return wrapDispatchError(
		cause,
		goerrors.CategoryInternal,
		ErrorPersistenceUnavailable,
		http.StatusServiceUnavailable,
		"event could not be durably recorded",
	)
}

// TransientUpstream marks a network, timeout or 5xx-equivalent failure. A zero
// status means the request never produced a response.
func TransientUpstream(cause error, status int, message string) *goerrors.Error {
	if cause == nil {
		cause = errors.New(message)
	}
	return wrapDispatchError(cause, goerrors.CategoryExternal, ErrorTransientUpstream, http.StatusBadGateway, message).
		WithMetadata(map[string]any{MetadataKeyUpstreamStatus: status})
}

func UpstreamRejected(status int, message string) *goerrors.Error {
	return newDispatchError(message, goerrors.CategoryExternal, ErrorUpstreamRejected, http.StatusUnprocessableEntity).
		WithMetadata(map[string]any{MetadataKeyUpstreamStatus: status})
}

func UpstreamUnauthorized(message string) *goerrors.Error {
	return newDispatchError(message, goerrors.CategoryAuth, ErrorUpstreamUnauthorized, http.StatusUnauthorized).
		WithMetadata(map[string]any{MetadataKeyUpstreamStatus: http.StatusUnauthorized})
}

func BadInput(message string) *goerrors.Error {
	return newDispatchError(message, goerrors.CategoryBadInput, ErrorBadInput, http.StatusBadRequest)
}

// TextCode extracts the dispatch text code from err, or "" for plain errors.
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

func HasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	for err != nil {
		if goerrors.As(err, &richErr) && richErr.TextCode == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsTerminal reports errors that must not be retried: validation, auth,
// tenant resolution, illegal transitions and upstream 4xx rejections.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidOrderStatusTransition) || errors.Is(err, ErrInvalidDeliveryStatusTransition) {
		return true
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	switch richErr.TextCode {
	case ErrorTransientUpstream, ErrorPersistenceUnavailable:
		return false
	case ErrorAuthenticationFailed,
		ErrorMalformedPayload,
		ErrorUpstreamRejected,
		ErrorUpstreamUnauthorized,
		ErrorTenantNotFound,
		ErrorTenantInactive,
		ErrorInvalidTransition,
		ErrorEventNotFound,
		ErrorRecordNotFound,
		ErrorBadInput:
		return true
	}
	switch richErr.Category {
	case goerrors.CategoryBadInput,
		goerrors.CategoryValidation,
		goerrors.CategoryAuth,
		goerrors.CategoryAuthz,
		goerrors.CategoryNotFound,
		goerrors.CategoryConflict:
		return true
	}
	return false
}

// IsRetryable is the complement of IsTerminal for non-nil errors. Unknown
// failures are retried.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}

func IsUnauthorized(err error) bool {
	return HasTextCode(err, ErrorUpstreamUnauthorized)
}

func IsNotFound(err error) bool {
	return HasTextCode(err, ErrorRecordNotFound) ||
		HasTextCode(err, ErrorEventNotFound) ||
		HasTextCode(err, ErrorTenantNotFound)
}

// UpstreamStatus returns the HTTP status carried by an upstream error.
func UpstreamStatus(err error) int {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return 0
	}
	switch value := richErr.Metadata[MetadataKeyUpstreamStatus].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}

// MapError converts any error into the dispatch envelope used by the HTTP
// surface and command handlers.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	if errors.Is(err, ErrInvalidOrderStatusTransition) ||
		errors.Is(err, ErrInvalidDeliveryStatusTransition) ||
		errors.Is(err, ErrInvalidEventStatusTransition) {
		return InvalidTransition(err)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unknown"):
		return BadInput(err.Error())
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newDispatchError(message string, category goerrors.Category, textCode string, status int) *goerrors.Error {
	return goerrors.New(message, category).
		WithCode(status).
		WithTextCode(textCode)
}

func wrapDispatchError(cause error, category goerrors.Category, textCode string, status int, message string) *goerrors.Error {
	return goerrors.Wrap(cause, category, message).
		WithCode(status).
		WithTextCode(textCode)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorRecordNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorAuthenticationFailed
	case goerrors.CategoryConflict:
		return ErrorInvalidTransition
	case goerrors.CategoryExternal:
		return ErrorTransientUpstream
	default:
		return ErrorInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
