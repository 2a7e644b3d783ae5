package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/ratelimit"
)

const maxErrorBodyExcerpt = 256

func transportError(message string, category goerrors.Category, code int, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorBadInput
	case goerrors.CategoryExternal:
		return core.ErrorTransientUpstream
	default:
		return core.ErrorInternal
	}
}

// Classify turns a completed HTTP exchange into the dispatch error taxonomy:
// 2xx is nil, 401 is UpstreamUnauthorized, 408/429/5xx are TransientUpstream
// and any other status is UpstreamRejected.
func Classify(destination string, res Response, now time.Time) error {
	status := res.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}
	message := fmt.Sprintf("%s responded %d", strings.TrimSpace(destination), status)
	if excerpt := bodyExcerpt(res.Body); excerpt != "" {
		message += ": " + excerpt
	}
	switch {
	case status == http.StatusUnauthorized:
		return core.UpstreamUnauthorized(message)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		err := core.TransientUpstream(nil, status, message)
		if wait, ok := ratelimit.ParseRetryAfter(res.Headers, now); ok {
			err.WithMetadata(map[string]any{ratelimit.MetadataKeyRetryAfterMS: wait.Milliseconds()})
		}
		return err
	default:
		return core.UpstreamRejected(status, message)
	}
}

func bodyExcerpt(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyExcerpt {
		text = text[:maxErrorBodyExcerpt] + "..."
	}
	return text
}
