/*
Package runtime compiles and runs WebAssembly function modules on wazero.

One Engine owns a single wazero runtime shared by every instance. A module
is compiled once into a Module, which is immutable and safe to use from
any number of instances at the same time. Each invocation instantiates a
fresh guest from the compiled code, so linear memory never carries state
from one request to the next.

# Guest environment

Every guest gets:

	stdin   the request body
	stdout  captured as the response body
	stderr  logged line by line with the "[watchdog function]" prefix
	/       the instance's copy-on-write overlay (see package cowfs)
	argv    module name followed by the configured arguments
	env     Http_* request variables plus the configured environment

The root filesystem has a fixed directory tree. Guests may read any base
file, write to it privately, and create new files in existing
directories. Mkdir, rename and unlink fail with EPERM.

# GPU host module

When the engine is built with a gpu.Manager it registers a host module
named "gpu" exporting two functions:

	acquire() -> i32   block until the device is leased to this invocation
	release() -> i32   give the device back early

Both return 0 on success and 1 when no GPU session is attached to the
invocation. If acquire times out the guest is terminated with exit code
75 and Run returns an error wrapping gpu.ErrGPUUnavailable.

# Errors

Run classifies every outcome:

	nil                  exit status 0, or the entry point returned
	*types.ExitError     proc_exit with a non-zero status
	*types.TrapError     trap, memory fault or deadline (Timeout set)
	gpu.ErrGPUUnavailable (wrapped) device lease timed out

Warm instantiates without running the entry point, so link errors and
an initial memory above the limit surface before any request reaches the
instance.

# Memory limit

Config.MemoryLimitPages caps linear memory in 64KiB pages. Growing past
the cap at run time does not trap: memory.grow returns -1 and the guest
decides what to do. Guests built by common toolchains abort on a failed
allocation, which ends the invocation with a TrapError (reason
"unreachable") and the instance is discarded like any other trap. A guest
that ignores the failure keeps running within its current memory.
*/
package runtime
