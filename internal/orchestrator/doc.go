// Package orchestrator merges the FileNode tables of several provider
// sessions into one derived view that behaves on the wire exactly like
// a single-session stream: same message types, same strictly
// increasing per-stream sequence numbers.
//
// The merged view is never mutated directly. On each tick it is
// recomputed from scratch against the providers and diffed against a
// shadow copy of the previous result, so a provider closing simply
// surfaces as removals on the next delta.
package orchestrator
