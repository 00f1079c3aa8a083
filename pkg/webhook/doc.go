// Package webhook turns bus subscriptions into outbound notifications.
//
// A Sender knows how to deliver one event to one surface: a Slack incoming
// webhook, an Amazon Chime room, a Telegram chat or a Redis channel. Attach
// wires a Sender to an event bus behind its own small queue and worker, so
// a slow or failing endpoint never holds up delivery to other subscribers.
// Delivery is best-effort: rate limited, retried a couple of times with a
// short escalating delay, then dropped with a warning.
package webhook
