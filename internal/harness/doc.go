// Package harness runs YAML-defined allocation scenarios against a
// fully wired engine: SQLite store, transactional writer, sync queue,
// and conflict resolver, all over an in-process event bus.
//
// A scenario names a catalog directory, a list of setup steps, a main
// flow of operations with expected outcomes, and assertions over the
// recorded trace and final equipment state. The trace interleaves every
// operation with the bus events it produced, in publish order, so
// scenarios can pin down not just end state but the path taken to it.
//
// Traces are deterministic: the runner drives all components with an
// advancing fixed clock and renders units by equipment code rather than
// generated id, which makes them suitable for golden-file comparison
// via RunWithGolden.
package harness
