// Package cleanup deletes server-side artifacts after a job finishes.
//
// Deletion is best effort. Each artifact gets a bounded number of
// delete-then-verify rounds; artifacts that survive every round are reported
// as leaks to the configured sink and notifier and are never raised to the
// caller.
package cleanup
