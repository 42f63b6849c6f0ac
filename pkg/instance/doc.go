/*
Package instance implements one execution instance of a function.

An instance owns a copy-on-write overlay and a worker goroutine locked to
one OS thread. Every warm-up and invocation is submitted to that worker,
so an instance never runs two things at once and its overlay is touched by
a single goroutine only.

State transitions:

	Cold -> Warming -> Idle <-> Busy -> Faulted
	                              any -> Terminating

A trap moves the instance to Faulted and it is never reused. A non-zero
exit status and a GPU lease timeout leave it healthy. When GPU access is
configured each invocation gets its own gpu.Session, and any lease still
held when the invocation returns is released, with a device reset after a
trap.
*/
package instance
