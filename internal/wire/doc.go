// Package wire defines the UI-facing message shapes broadcast over the
// local TCP socket and the session-model types shared by the tracker,
// zone policy, orchestrator, and registry.
//
// ACP — the host/agent wire protocol relayed by the proxy — is
// deliberately not modeled here beyond the handful of fields the
// extractor reads (see internal/extractor). The UI vocabulary is: it
// carries type, session key, mode, and sequence where applicable, is
// newline-delimited JSON, and uses stable, explicit lowercase_underscore
// field names so a non-Go client can rely on them.
package wire
