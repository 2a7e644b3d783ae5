// Package engine turns logged webhook events into order and delivery state.
//
// Handler applies one event: platform events upsert the order and, for
// delivery orders, create and schedule the courier delivery; courier events
// advance the delivery and back-propagate progress to the order. Pool feeds
// events to the Handler through the retry executor with bounded concurrency.
package engine
