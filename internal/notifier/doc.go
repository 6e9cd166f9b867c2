// Package notifier delivers payment reminders to the notification service.
//
// Delivery is synchronous and best effort: each Notify call is rate limited,
// retried with jittered exponential backoff, and suppressed when an identical
// reminder for the same owner was delivered within the dedup window. A short
// in-memory history of delivered reminders is kept for the status endpoint.
package notifier
