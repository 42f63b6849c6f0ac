/*
Package types defines the data structures shared across the watchdog.

The types here are plain values with no behaviour beyond small helpers and
the package imports nothing from the rest of the module.

# State Machine

An execution instance moves through the following states:

	cold ──► warming ──► idle ◄──► busy
	            │          │         │
	            ▼          ▼         ▼
	        (discarded) terminating  faulted ──► terminating

  - cold: allocated, nothing bound yet
  - warming: overlay bound, module being instantiated for validation
  - idle: waiting in the pool's idle queue
  - busy: owned by exactly one request
  - faulted: the last invocation trapped; destroyed on release
  - terminating: being torn down; overlay discarded

An instance that fails while warming never becomes live and is not counted
against the pool's capacity.

# Outcomes

Every request ends with one Outcome, which the HTTP layer maps to a status
code and reports in the X-Invocation-Outcome header.

# Errors

TrapError and ExitError carry invocation failures from the runtime to the
dispatcher. Pool level conditions live in the pool package; GPU contention
lives in the gpu package.
*/
package types
