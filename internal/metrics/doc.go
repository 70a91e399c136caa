// Package metrics exposes Prometheus instrumentation for client connections,
// speech streams, transcript storage, recording transitions and the HTTP API.
package metrics
