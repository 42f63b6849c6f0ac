/*
Package health tracks whether the watchdog is serving and exposes that to
orchestrators.

# Lock file

Once the HTTP listener is up the watchdog writes an empty lock file
(mode 0660) named .lock in the temp directory. Exec-style probes run
`watchdog healthcheck`, which exits 0 while the file exists. The file is
removed on shutdown. With suppress_lock the file is never written and only
the in-process flag answers /_/health.

	lock := health.NewLock(health.LockPath(""), cfg.SuppressLock)
	if err := lock.MarkHealthy(); err != nil {
		return err
	}
	defer lock.MarkUnhealthy()

# Checkers and monitors

A Checker produces a Result. Lock and HTTPChecker implement it. A Monitor
runs a checker every healthcheck_interval and feeds the outcome into the
metrics health registry, so /ready on the metrics port reflects it.
Status applies hysteresis: Retries consecutive failures mark a component
unhealthy, one success restores it.
*/
package health
