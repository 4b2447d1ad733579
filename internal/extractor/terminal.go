package extractor

import (
	"regexp"
	"strings"

	"github.com/eisen-labs/eisen-core/internal/wire"
)

// Terminal payloads are the one place paths arrive as free text rather
// than a JSON field. Three token shapes are recognised: compiler-style
// "Error in <path>", grep-style "<path>:<line>:<col>", and a quoted
// "<path>". Anything else in the payload is ignored.
var (
	reErrorIn  = regexp.MustCompile(`Error in ([^\s:'"]+)`)
	reLineCol  = regexp.MustCompile(`([^\s:'"]+):(\d+):(\d+)`)
	reQuoted   = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	reCtrlChar = regexp.MustCompile("[\x00-\x1f\x7f]")
)

// extractTerminalPaths scans one terminal payload and returns a read
// observation per distinct path-shaped match. This is a best-effort
// heuristic: a candidate that fails shape validation (empty, embedded
// control characters, a URL scheme) is dropped without a log line,
// since terminal output routinely contains near-miss tokens.
func (e *Extractor) extractTerminalPaths(output string) []wire.Observation {
	ts := e.nowMS()
	seen := make(map[string]struct{})
	var obs []wire.Observation

	add := func(raw string) {
		if !plausiblePathToken(raw) {
			return
		}
		p, ok := e.normalizePath(raw)
		if !ok {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		obs = append(obs, wire.Observation{Path: p, Action: wire.ActionRead, TimestampMS: ts})
	}

	for _, m := range reErrorIn.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range reLineCol.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range reQuoted.FindAllStringSubmatch(output, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}

	return obs
}

// plausiblePathToken rejects candidates that cannot be a file path:
// empty strings, strings carrying control characters, URL schemes
// other than file://, and bare words with no path separator or
// extension (quoted prose would otherwise flood the tracker).
func plausiblePathToken(s string) bool {
	if s == "" {
		return false
	}
	if reCtrlChar.MatchString(s) {
		return false
	}
	if idx := strings.Index(s, "://"); idx >= 0 && s[:idx] != "file" {
		return false
	}
	return strings.ContainsAny(s, "/.")
}
