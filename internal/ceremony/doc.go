// Package ceremony sequences participant contributions to a Phase 2
// reference string.
//
// A ceremony sets up one or more circuits at once. Each circuit has its own
// chain (a Track); a round carries one update per circuit under a single
// signature, so all tracks advance together.
//
// A Coordinator owns one Record for its whole life. Every mutation runs on
// the goroutine started by Run; public methods send closures to it and wait.
// Verification of a submission runs on the caller's goroutine against an
// immutable snapshot, so participants are checked in parallel while
// acceptance stays strictly serial: of several valid submissions for the
// same round exactly one is accepted and the others fail with ErrStaleRound.
//
// Phases advance Open → InProgress → Finalizing → Closed. In ModeQueue one
// participant at a time holds the turn lock for TurnTimeout; a holder that
// lets the deadline pass is requeued at lower priority or removed, according
// to DropPolicy. In ModeOpen every registered participant may race for the
// current round.
//
// Finalize mixes one public beacon value into the last state of every
// circuit, records those contributions and closes the ceremony. It is
// idempotent, and concurrent calls read the beacon once.
package ceremony
