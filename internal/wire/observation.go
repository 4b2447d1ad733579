package wire

// Observation is the extractor's output: one (path, action, timestamp)
// tuple applied to a session tracker.
type Observation struct {
	Path        string
	Action      Action
	TimestampMS int64
}

// UsageSignal carries a token-usage update.
type UsageSignal struct {
	Used int64
	Size int64
	Cost *Cost
}
