// Package leaks persists artifacts the cleanup worker could not remove from
// the server, so a later sweep can retry them.
//
// The ledger is a SQLite database in the state directory. Sweeps take a file
// lock so two invocations never retry the same records concurrently.
package leaks
