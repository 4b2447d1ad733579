// Package tracker maintains the heat-weighted per-session FileNode
// table: one instance per tracked session, advanced by observations
// from the extractor and by the tick driver's cadence, producing
// snapshots and incremental deltas for the broadcast server.
package tracker
