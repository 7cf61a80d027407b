// Package workflow runs generation requests end to end.
//
// The Manager owns one server connection and wires the negotiator, catalog,
// graph builder, job submitter, lifecycle manager and cleanup worker
// together. Generate handles a single request; GenerateBatch fans requests
// out to one goroutine each and returns outcomes in input order.
//
// Every request gets a correlation id that flows through context into logs.
// Finished requests are reported to metrics, notifications and an optional
// HistorySink. Nothing here writes to the local filesystem; saving images is
// left to the caller.
package workflow
