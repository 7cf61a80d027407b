// Package jobs submits generation graphs to the server queue and drives each
// queue item to a terminal state.
//
// Submitter posts a one-run batch and returns a Handle. Manager polls the
// item, extracts the produced image, and hands artifacts that must not
// persist to a Cleaner. Every non-success exit attempts cleanup exactly once.
package jobs
