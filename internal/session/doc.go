// Package session ties the live and persistent sides of session state
// together. The Hub owns one tracker per observed single-agent session
// and one orchestrator per merged session, keeps them consistent with
// the registry as RPCs create and close entries, and serves as the
// broadcast server's snapshot source and rpc method table.
package session
