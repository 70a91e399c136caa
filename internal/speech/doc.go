// Package speech maintains live streaming connections to a remote
// speech-to-text service.
//
// A Stream owns one recording session's connection. It forwards audio frames,
// keeps the connection alive while the microphone is idle, reconnects with
// bounded exponential backoff when the connection drops, and assembles final
// transcript fragments into utterances. Vendor protocols live behind the
// Provider and Conn interfaces (see the deepgram and assemblyai packages).
//
// All vendor events are funnelled into a single per-stream queue drained by
// one goroutine, so Handler callbacks are never invoked concurrently.
package speech
