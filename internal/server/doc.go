// Package server implements the client-facing HTTP API: the WebSocket control
// endpoint carrying recording commands and broadcast events, the per-visit
// audio endpoint, and the monitoring endpoints.
package server
