// Package config loads watchdog settings from built-in defaults, an
// optional YAML file and environment variables, later sources winning.
//
// Environment variables use the lowercase key names (port, write_timeout,
// function_process, ...). fprocess and http_buffer_req_body are accepted
// as aliases. Durations are either Go duration strings or whole seconds.
package config
