// Package recording implements the recording lifecycle of a visit.
//
// A visit moves NOT_STARTED -> RECORDING -> PAUSED <-> RECORDING -> FINISHED.
// While a visit is RECORDING it owns exactly one speech stream. Pausing or
// finishing closes that stream before the visit is updated, so two streams
// never write the same transcript. Elapsed recording time is accumulated in
// whole seconds across pause/resume cycles.
//
// Every successful transition is broadcast to all of the owning user's
// connections. Invalid transitions are rejected without touching the visit.
package recording
