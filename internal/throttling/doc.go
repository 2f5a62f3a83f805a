// Package throttling runs caller-supplied actions repeatedly at a fixed interval.
//
// A Scheduler accepts (interval, action) pairs and hands back a Token per
// registration. Each registration is driven by its own self-rescheduling timer:
//   - wait one interval
//   - arm the next interval
//   - invoke the action
//
// Arming before invoking means the interval is measured between firing starts,
// not between completions. Firings of one token never overlap; firings of
// different tokens are independent.
//
// Lifecycle:
//
//	s := throttling.New(diag)
//	defer s.Dispose()
//
//	tok, err := s.Schedule(30*time.Second, flush)
//	...
//	_ = s.Remove(tok)
//
// Remove and Dispose never wait for an in-flight firing; it may still complete
// (grace firing) but the timer does not re-arm afterward. Shutdown disposes and
// then waits for in-flight firings to return.
package throttling
