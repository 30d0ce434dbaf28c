// Package notify is the fire-and-forget notification sink used by background
// jobs.
//
// Notify never blocks the caller: a message is deduplicated, queued and handed
// to a small worker pool that rate limits delivery. Delivery is at-most-once;
// a full queue drops the message (counted and logged). The default sink
// publishes onto the event bus; the real transport subscribes there.
package notify
