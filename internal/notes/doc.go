// Package notes turns a finished visit's transcript into a clinical note.
//
// Client calls the Anthropic Messages API with bounded retries and a
// concurrency limit. Runner drives generation in the background after a
// recording finishes: it stores the note on the visit and broadcasts the
// result to the user's connections.
package notes
