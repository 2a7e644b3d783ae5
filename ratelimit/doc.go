// Package ratelimit keeps outbound calls under upstream quotas: a fixed
// token bucket per destination plus an adaptive policy that learns from
// 429 and X-RateLimit-* responses.
package ratelimit
