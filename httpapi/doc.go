// Package httpapi is the gin surface of the dispatch engine: the two webhook
// receivers and the operator endpoints over the command and query handlers.
package httpapi
