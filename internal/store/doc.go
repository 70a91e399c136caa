// Package store is the persistence boundary for visit records.
// It defines the Visit fields the transcription subsystem reads and writes, a
// partial-update VisitStore contract with last-write-wins semantics, and
// in-memory and MongoDB implementations.
package store
