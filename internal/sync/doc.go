// Package sync reconciles crawled documents with remote knowledge-base
// collections.
//
// # Reconciliation
//
// For every document the Manager computes a SHA-256 fingerprint of the
// content, asks the TargetSelector which collections receive it and, per
// collection:
//
//   - finds the remote record tagged with the document URL
//   - creates it when there is none
//   - skips it when the remote fingerprint already matches
//   - updates it otherwise, deleting and recreating a record that vanished
//     between find and update
//
// Every Backend call runs through retry.Orchestrator under the endpoint key
// "<prefix>:<target id>", so each collection has its own circuit breaker.
//
// # Commit
//
// The url -> fingerprint entry is committed to the state store only after the
// remote side confirmed the write: with CommitAny when at least one selected
// collection succeeded, with CommitAll when all of them did. A crash between
// the remote write and the commit is repaired on the next run, which finds the
// record and updates or skips it instead of creating a duplicate.
//
// # Runs
//
// Manager.Run processes a source.Feed sequentially and returns a Summary.
// A run without any available collection stops before the first remote write.
// Scheduling lives in the coordinator subpackage.
package sync
