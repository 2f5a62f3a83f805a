// Package diagnostics receives the scheduler's lifecycle signals and fans them
// out to structured logs, the in-memory event bus, and (optionally) the
// persistent event journal.
//
// Failure signals are rate limited so a misbehaving release hook cannot flood
// the logs; suppressed lines are counted and reported on the next allowed one.
package diagnostics
