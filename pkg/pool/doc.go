/*
Package pool keeps a bounded set of warm execution instances for one
function and hands them out one request at a time.

# Acquire and release

Acquire takes the oldest idle instance. With none idle and the pool below
max_scale it creates one synchronously (a cold start). At capacity the
caller joins a FIFO queue and is served in admission order when an
instance is released, or fails with ErrBusy once its context deadline
passes. A timed-out waiter leaves no trace in the pool.

Release puts a healthy instance back, serving the oldest waiter first. A
faulted instance is destroyed instead and its slot is granted to the
oldest waiter, which creates a replacement.

Creation failures return *CreationError and never count toward
max_scale.

# Autoscaler

A background loop runs every ScanInterval:

  - instances idle longer than IdleGrace are destroyed while the pool is
    above its floor
  - the pool is topped up to the floor after faults or reaping

The floor starts at min_scale and is moved with SetReplicas. Scale-up
beyond the floor only happens on demand in Acquire.

All pool state is guarded by a single mutex.
*/
package pool
