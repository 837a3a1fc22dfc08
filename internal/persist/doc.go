// Package persist mirrors persistent facts to a durable key/value store and
// carries engine instance state across process restarts.
//
// Two kinds of state are kept:
//   - Durable facts: one boolean per persistent fact, under prefix+name, in
//     a Store shared with other users. Sync reads and writes them.
//   - Instance state: a Bundle of integers and strings per registered key,
//     in a BundleStore. Registry collects bundles from providers on save and
//     hands each restored bundle out once on start.
//
// Store access may block on I/O. Callers invoke it from controlled points
// (creation, after a pass, shutdown), never inside an evaluation scan.
package persist
