// Package core holds the dispatch domain: webhook events, orders, deliveries
// and merchants, their status machines, the store contracts adapters must
// satisfy, the error taxonomy, configuration and operation observability.
// core must not depend on storage, transport or scheduling packages.
package core
