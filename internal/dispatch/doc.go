// Package dispatch runs the two batch passes over recurring payments.
//
// The execution pass posts every due record to the expense ledger and then
// advances it with a compare-and-swap on its next payment date. The reminder
// pass notifies owners whose reminder date is today. Both passes fan out over
// a bounded worker pool; a failing record is logged, counted and published on
// the event bus but never aborts its siblings.
//
// Delivery is at-least-once: a record whose post succeeded but whose advance
// failed stays due and is posted again on the next pass with the same
// idempotency key.
package dispatch
