// Package transport executes outbound REST calls and classifies upstream
// responses into retryable and terminal errors.
package transport
