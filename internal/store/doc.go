// Package store defines the narrow client contract the connectivity runtime
// consumes from a remote document store.
//
// The runtime never speaks a wire protocol itself. It only needs to:
//   - read one document by path (used for probes and one-shot reads)
//   - run a one-shot query (used by manual refresh)
//   - open a live query whose snapshots arrive via callback until cancelled
//
// Concrete clients live in subpackages (memstore, sqlitestore). Clients are
// built from a Variant by a Factory and are only ever replaced by the
// reinitialization engine; everybody else reads the current client through a
// Source on every use.
package store
