// Package events carries bot lifecycle notifications between the manager,
// its bots, and outside observers (log sinks, webhooks, dashboards).
//
// # Model
//
// An Event names the bot it came from, a Type out of a closed set (info,
// warning, error, debug), a human readable description and an optional Data
// payload. SoftError is the failure payload: callables may return one
// directly, and the execution engine converts every other error (and every
// recovered panic) into one before publishing.
//
// # Delivery
//
// Bus is an explicit instance, constructed with New and wired to whoever
// needs it. Publish never blocks and never drops while the bus is running:
// events land on an unbounded in-memory queue and a single consumer
// goroutine hands them to subscribers. Per subscriber, delivery order equals
// publish order. A subscriber is a (Selector, Handler, type filter) triple;
// the *Subscription handle returned by Subscribe is the identity Unsubscribe
// takes back, since Go functions are not comparable.
//
// Handlers run on the consumer goroutine: a panicking handler is recovered
// and logged without disturbing other subscribers, but a slow handler delays
// every later event. Stop drains the queue up to a grace deadline and drops
// whatever is left, so a misbehaving subscriber cannot hold shutdown
// hostage.
package events
