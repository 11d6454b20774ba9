/*
Package httpserver implements the HTTP server shared by the service binaries.

A Server mounts any number of API handlers implementing RouteRegistrar and
adds operational endpoints:

  - GET /livez - liveness probe
  - GET /readyz - readiness probe, 503 while draining
  - GET /drain - mark the server not ready
  - GET /undrain - mark the server ready again
  - /debug/pprof - when EnablePprof is set

API requests are access-logged through httplogger. Prometheus metrics are
served on a separate listener (MetricsAddr) from the registry returned by
Metrics().

# Shutdown

Shutdown marks the server not ready, waits DrainDuration so that load
balancers stop routing to it, then gracefully stops the API and metrics
listeners within GracefulShutdownDuration.
*/
package httpserver
