// Package preflight provides readiness checks for the generation server and
// the local paths invokectl depends on.
//
// These checks back the CLI "invokectl doctor" command. The generate command
// also runs the directory checks before writing images so a bad output path
// fails before any GPU time is spent.
//
// Each check is gated by its config toggle. Disabled features are reported as
// passing with a "Disabled" detail.
package preflight
