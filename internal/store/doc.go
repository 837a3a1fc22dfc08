// Package store provides SQLite-backed durable storage for rulez.
//
// One database file holds three tables:
//
//   - facts: persistent fact values, keyed by the persist.Sync key
//   - saved_state: instance state bundles, keyed by owner
//   - firings: an append-only log of rule firings, ordered by seq
//
// Store implements persist.Store and persist.BundleStore. FiringLog adapts a
// Store to engine.Observer so every firing of a pass is recorded.
//
// The database runs in WAL mode with a single connection. Reads from other
// processes (rulez facts, rulez trace) see committed rows while an engine is
// writing.
package store
