package proxy

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/eisen-labs/eisen-core/internal/wire"
)

// denialTemplate is the JSON-RPC error envelope answering a zone-denied
// fs request. Fields are filled by sjson so the field order on the
// wire stays fixed.
const denialTemplate = `{"jsonrpc":"2.0","id":null,"error":{"code":0,"message":""}}`

// denialResponse builds the response the agent receives instead of a
// host answer. The request's id is copied raw so number and string ids
// round-trip untouched.
func denialResponse(request []byte, path string) []byte {
	out := []byte(denialTemplate)

	if id := gjson.GetBytes(request, "id"); id.Exists() {
		out, _ = sjson.SetRawBytes(out, "id", []byte(id.Raw))
	}
	out, _ = sjson.SetBytes(out, "error.code", wire.ZoneDenialCode)
	out, _ = sjson.SetBytes(out, "error.message",
		fmt.Sprintf("access to %q is outside this agent's zone; route the request through the orchestrator", path))
	return out
}
