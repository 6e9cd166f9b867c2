// Package scheduler turns schedule strings into cron triggers that enqueue
// tasks into the task engine. It only decides when; engine.Service runs the
// work and applies the overlap policy.
package scheduler
