/*
Package log provides structured logging for the watchdog using zerolog.

The package wraps a single global zerolog.Logger. It is initialised once at
process start from the watchdog configuration and then shared by every
component. Child loggers carry a fixed field so that log lines can be filtered
per component, per function, or per execution instance.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})

JSON output is intended for production collectors; console output is intended
for a developer terminal.

# Context Loggers

  - WithComponent("pool"): lines emitted by a subsystem
  - WithFunction("echo"): lines attributed to the served function
  - WithInstanceID(id): lines attributed to one execution instance

Guest stderr is not written directly to the process stderr. The runtime
package splits it into lines and emits each one through a function logger,
optionally prefixed with "[watchdog function] <name>:".

# Levels

Debug is used for per-invocation detail (acquire, release, block copies).
Info is used for lifecycle events (instance created, reaped, faulted).
Warn is used for backpressure and GPU contention. Error is used for failures
that leave a component degraded.
*/
package log
