// Package broadcast is the TCP fan-out for the UI stream: one
// newline-delimited JSON object per line to every connected client.
//
// Producers publish already-sequenced messages onto a watermill
// gochannel topic; a single dispatcher fans them out to bounded
// per-client queues. A client that falls behind is never shown a gap:
// its queue is discarded and the stream restarts from a fresh
// snapshot, whose sequence number continues the same counter.
//
// Inbound client traffic is limited to three shapes: set_stream_filter,
// request_snapshot, and rpc. RPC methods are registered by the session
// hub; each call runs under a per-call deadline and replies with
// rpc_result or rpc_error on the same connection.
package broadcast
