// Package outbound holds the rate-limited clients for the ordering platform
// and the courier. Every call goes through a per-destination Queue that
// waits on the token bucket, honours learned throttle windows and retries
// transient failures with the shared policy.
package outbound
