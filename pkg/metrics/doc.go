/*
Package metrics defines the watchdog's Prometheus collectors and its
component health registry.

Every collector is registered with the default registry at package init and
exposed by Handler on the metrics port at /metrics.

# Metric families

Pool:

	watchdog_pool_instances{state}           gauge, instances per state
	watchdog_pool_queue_depth                gauge, requests waiting to acquire
	watchdog_pool_acquire_wait_seconds       histogram
	watchdog_instances_created_total         counter
	watchdog_instance_creation_failures_total counter
	watchdog_instances_destroyed_total{reason} counter
	watchdog_instance_cold_start_seconds     histogram

Invocations:

	watchdog_invocations_total{outcome}      counter
	watchdog_invocation_duration_seconds{outcome} histogram

GPU:

	watchdog_gpu_lease_wait_seconds          histogram
	watchdog_gpu_lease_held                  gauge, 1 while a lease is out
	watchdog_gpu_lease_timeouts_total        counter

Filesystem:

	watchdog_cow_blocks_copied_total         counter
	watchdog_base_block_cache_total{result}  counter, hit or miss

HTTP:

	watchdog_http_requests_total{method,status}
	watchdog_http_request_duration_seconds{method}
	watchdog_http_inflight_requests

The pool gauges are sampled by a Collector from any Source, normally the
pool itself:

	c := metrics.NewCollector(p, 5*time.Second)
	c.Start()
	defer c.Stop()

Latency is measured with Timer:

	timer := metrics.NewTimer()
	// ...
	timer.ObserveDurationVec(metrics.InvocationDuration, string(outcome))

# Health

Components report through UpdateComponent. Components named in
SetCriticalComponents decide health: one of them failing makes GetHealth
unhealthy (503), while any other failing component only marks it degraded.
GetReadiness waits for every critical component to report healthy.
HealthHandler, ReadyHandler and LivenessHandler serve those as JSON.
*/
package metrics
