/*
Package api serves the watchdog over HTTP.

# Watchdog server

Server listens on port (default 8080):

	/_/health   GET   "OK" while accepting connections, else 503
	/_/ready    GET   JSON readiness of the lock and critical components
	/_/scale    GET   replica status of the function
	            POST  {"replicas": n} moves the warm floor
	/*          any   invokes the function; OPTIONS answers CORS

An invocation passes through Instrument, the max_inflight limiter and the
per-client rate limiter (both answer 429), then the dispatcher. The guest
sees the request body on stdin and a CGI-style environment:

	Http_<Header>   one variable per header, dashes become underscores
	Http_Method     request method
	Http_Path       request path
	Http_Query      raw query, when present
	PWD             always "/"

Every invocation response carries X-Invocation-Outcome:

	success           200
	function_error    500, body is the function's stdout when it wrote any
	trap, timeout     500
	creation_error    502
	busy, closed      503, busy adds Retry-After
	gpu_unavailable   504

# Metrics server

HealthServer listens on metrics_port (default 8081) and serves /metrics,
/health, /ready and /live from pkg/metrics.
*/
package api
