// Package proxy is the transparent pipe between a host on stdio and a
// spawned ACP agent. Each direction is an independent forwarding loop;
// bytes are relayed unmodified, with extraction and tracking strictly
// subordinate to forwarding. The single exception to transparency is a
// zone-denied fs request, which is answered in-band with a JSON-RPC
// error and never reaches the host.
package proxy
