// Package webhooks is the inbound edge for platform and courier webhooks.
//
// A request is verified against the sender's HMAC secret, normalized, and
// appended to the event log before it is acknowledged. Processing happens
// afterwards in the engine worker pool, so a slow downstream never holds an
// inbound connection open.
package webhooks
