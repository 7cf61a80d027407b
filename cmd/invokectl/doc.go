// Package main hosts the invokectl CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into calls on
// the internal workflow manager: server negotiation, model and scheduler
// listings, dry-run graph builds, generation, leak ledger maintenance and
// configuration scaffolding. It centralizes configuration resolution and
// logger setup so subcommands can focus on output.
//
// Keep this package lean: add functionality to the internal packages first,
// then surface it through a dedicated command or flag here.
package main
