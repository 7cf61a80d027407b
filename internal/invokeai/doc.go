// Package invokeai talks to an InvokeAI-compatible generation server.
//
// It owns the shared HTTP transport with its per-call timeout classes, the
// compatibility negotiation that discovers which model-listing endpoint and
// query parameter the server understands, and the typed error taxonomy every
// other component reports failures with. The ServerProfile produced by
// negotiation is immutable and created at most once per Negotiator.
package invokeai
