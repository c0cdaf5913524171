// Package adiserver is an anisette relay: an HTTP server that shares one provisioned
// anisette provider with remote clients such as anisette.RemoteProvider.
//
// Endpoints:
//
//	GET  /         fresh anisette headers as a flat JSON object
//	POST /reset    discard the provider's provisioning state
//	GET  /livez    liveness
//	GET  /readyz   readiness, 503 while draining
//	GET  /drain    mark the server not ready
//	GET  /undrain  mark the server ready again
//
// Prometheus metrics are served on a separate listener at /metrics.
package adiserver
