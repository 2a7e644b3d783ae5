// Package retry owns every backoff loop in the service: the ledger-backed
// Executor for webhook events and Do for scheduler fires and outbound calls.
package retry
