// Package tracking maintains the set of processes the monitor reports on.
//
// A Set starts empty. While it is empty, every membership query falls back
// to resolving the queried process's image path and matching it against the
// configured target substring; the first match seeds the set. From then on
// only exact membership is checked and new members arrive exclusively
// through parent propagation (see the dispatch package). Name discovery
// therefore runs until the first hit and never again, even when a second
// process with a matching image starts later.
//
// The set holds at most Capacity entries. Entries are never removed, so a
// recycled pid of an exited tracked process stays tracked.
package tracking
