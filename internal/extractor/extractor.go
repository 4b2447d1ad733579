package extractor

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

// Direction distinguishes the two halves of the proxy pipe.
type Direction int

const (
	Upstream   Direction = iota // host -> agent
	Downstream                  // agent -> host
)

// toolKindAction maps an ACP tool-call "kind" to an action: read-like
// kinds read, edit/delete/move write, search-like search.
var toolKindAction = map[string]wire.Action{
	"read":   wire.ActionRead,
	"edit":   wire.ActionWrite,
	"delete": wire.ActionWrite,
	"move":   wire.ActionWrite,
	"search": wire.ActionSearch,
}

var defaultIgnoredDirs = []string{".git", "node_modules", "dist", "build", "target", ".next", "vendor"}

// Result is everything one Extract call produces: zero or more
// observations plus optional side signals.
type Result struct {
	Observations      []wire.Observation
	EndOfTurn         bool
	Usage             *wire.UsageSignal
	LearnedSessionID  string
	FSScreenCandidate *FSRequest
	// PromptText is the head of the prompt's first text block, kept as
	// the summary for the turn it opens.
	PromptText string
}

// FSRequest is a downstream fs read/write request, surfaced separately
// from Observations so the proxy can screen it against zone policy
// before deciding whether to forward it.
type FSRequest struct {
	ID     string
	Path   string
	Action wire.Action
}

// Options configures an Extractor beyond its mandatory workspace root.
type Options struct {
	IgnoredDirs []string
	// Now returns the current time, overridable in tests. Defaults to
	// time.Now.
	Now func() time.Time
}

// Extractor holds the small amount of cross-message state needed to
// pair requests with their responses: pending prompt requests (for
// end-of-turn detection), pending terminal-output requests (for
// terminal path extraction) and pending session-creation requests (for
// session-id learning). Safe for concurrent use by the proxy's two
// forwarding tasks.
type Extractor struct {
	root        string
	ignoredDirs []string
	now         func() time.Time

	mu               sync.Mutex
	pendingPrompts   map[string]struct{}
	pendingTerminals map[string]struct{}
	pendingNewSess   map[string]struct{}
}

// New creates an Extractor rooted at workspaceRoot.
func New(workspaceRoot string, opts Options) *Extractor {
	ignored := defaultIgnoredDirs
	if opts.IgnoredDirs != nil {
		ignored = opts.IgnoredDirs
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Extractor{
		root:             workspaceRoot,
		ignoredDirs:      ignored,
		now:              now,
		pendingPrompts:   make(map[string]struct{}),
		pendingTerminals: make(map[string]struct{}),
		pendingNewSess:   make(map[string]struct{}),
	}
}

// Extract parses one ndjson line from the given direction. A message
// that fails to parse as a JSON object is logged at warning level and
// yields a zero Result; one that doesn't match a recognised shape
// yields a zero Result without a log. Neither is ever an error.
func (e *Extractor) Extract(dir Direction, line []byte) Result {
	if !gjson.ValidBytes(line) {
		logging.Warn().Int("bytes", len(line)).Msg("unparseable ACP message, no observations")
		return Result{}
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		logging.Warn().Int("bytes", len(line)).Msg("ACP message is not a JSON object, no observations")
		return Result{}
	}

	method := root.Get("method")
	if method.Exists() {
		return e.extractRequestOrNotification(dir, root, method.String())
	}
	if root.Get("id").Exists() && (root.Get("result").Exists() || root.Get("error").Exists()) {
		return e.extractResponse(dir, root)
	}
	return Result{}
}

func (e *Extractor) extractRequestOrNotification(dir Direction, msg gjson.Result, method string) Result {
	id := msg.Get("id").String()

	switch {
	case dir == Upstream && method == "session/prompt":
		if id != "" {
			e.mu.Lock()
			e.pendingPrompts[id] = struct{}{}
			e.mu.Unlock()
		}
		return e.extractPromptObservations(msg)

	case dir == Upstream && (method == "session/new" || method == "session/create"):
		if id != "" {
			e.mu.Lock()
			e.pendingNewSess[id] = struct{}{}
			e.mu.Unlock()
		}
		return Result{}

	case dir == Downstream && method == "fs/read_text_file":
		return e.extractFSRequest(msg, id, wire.ActionRead)

	case dir == Downstream && method == "fs/write_text_file":
		return e.extractFSRequest(msg, id, wire.ActionWrite)

	case dir == Downstream && strings.HasPrefix(method, "terminal/"):
		if id != "" {
			e.mu.Lock()
			e.pendingTerminals[id] = struct{}{}
			e.mu.Unlock()
		}
		return Result{}

	case dir == Downstream && method == "session/update":
		return e.extractSessionUpdate(msg)
	}

	return Result{}
}

func (e *Extractor) extractResponse(dir Direction, msg gjson.Result) Result {
	id := msg.Get("id").String()
	if id == "" {
		return Result{}
	}

	if dir == Downstream {
		e.mu.Lock()
		_, isPrompt := e.pendingPrompts[id]
		if isPrompt {
			delete(e.pendingPrompts, id)
		}
		e.mu.Unlock()
		if isPrompt {
			return Result{EndOfTurn: true}
		}
		return Result{}
	}

	// Upstream: a host response to an agent-initiated request.
	e.mu.Lock()
	_, isTerminal := e.pendingTerminals[id]
	if isTerminal {
		delete(e.pendingTerminals, id)
	}
	_, isNewSess := e.pendingNewSess[id]
	if isNewSess {
		delete(e.pendingNewSess, id)
	}
	e.mu.Unlock()

	if isNewSess {
		if sid := msg.Get("result.sessionId"); sid.Exists() {
			return Result{LearnedSessionID: sid.String()}
		}
	}

	if isTerminal {
		output := msg.Get("result.output")
		if !output.Exists() {
			output = msg.Get("result.text")
		}
		if output.Exists() {
			return Result{Observations: e.extractTerminalPaths(output.String())}
		}
	}

	return Result{}
}

// extractPromptObservations handles a prompt message carrying embedded
// resources or resource-links.
func (e *Extractor) extractPromptObservations(msg gjson.Result) Result {
	blocks := msg.Get("params.prompt")
	if !blocks.Exists() || !blocks.IsArray() {
		return Result{}
	}

	var obs []wire.Observation
	promptText := ""
	ts := e.nowMS()
	for _, block := range blocks.Array() {
		switch block.Get("type").String() {
		case "text":
			if promptText == "" {
				promptText = truncate(block.Get("text").String(), maxPromptSummary)
			}
		case "resource":
			uri := block.Get("resource.uri").String()
			if uri == "" {
				uri = block.Get("resource.path").String()
			}
			if p, ok := e.normalizePath(uri); ok {
				obs = append(obs, wire.Observation{Path: p, Action: wire.ActionUserProvided, TimestampMS: ts})
			}
		case "resource_link":
			uri := block.Get("uri").String()
			if uri == "" {
				uri = block.Get("path").String()
			}
			if p, ok := e.normalizePath(uri); ok {
				obs = append(obs, wire.Observation{Path: p, Action: wire.ActionUserReferenced, TimestampMS: ts})
			}
		}
	}
	return Result{Observations: obs, PromptText: promptText}
}

// maxPromptSummary bounds the prompt head kept as a turn summary.
const maxPromptSummary = 120

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// extractFSRequest handles direct file-system read/write requests,
// which are also the screening points for zone policy.
func (e *Extractor) extractFSRequest(msg gjson.Result, id string, action wire.Action) Result {
	raw := msg.Get("params.path").String()
	p, ok := e.normalizePath(raw)
	if !ok {
		return Result{}
	}
	ts := e.nowMS()
	return Result{
		Observations:      []wire.Observation{{Path: p, Action: action, TimestampMS: ts}},
		FSScreenCandidate: &FSRequest{ID: id, Path: p, Action: action},
	}
}

// extractSessionUpdate handles tool-call and usage session updates,
// both carried as "session/update" notifications.
func (e *Extractor) extractSessionUpdate(msg gjson.Result) Result {
	update := msg.Get("params.update")
	kind := update.Get("sessionUpdate").String()

	switch kind {
	case "tool_call", "tool_call_update":
		action, ok := toolKindAction[update.Get("kind").String()]
		if !ok {
			return Result{}
		}
		locations := update.Get("locations")
		if !locations.IsArray() {
			return Result{}
		}
		ts := e.nowMS()
		var obs []wire.Observation
		for _, loc := range locations.Array() {
			if p, ok := e.normalizePath(loc.Get("path").String()); ok {
				obs = append(obs, wire.Observation{Path: p, Action: action, TimestampMS: ts})
			}
		}
		return Result{Observations: obs}

	case "usage":
		used := update.Get("used")
		size := update.Get("size")
		if !used.Exists() || !size.Exists() {
			return Result{}
		}
		usage := &wire.UsageSignal{Used: used.Int(), Size: size.Int()}
		if cost := update.Get("cost"); cost.Exists() {
			usage.Cost = &wire.Cost{Amount: cost.Get("amount").Float(), Currency: cost.Get("currency").String()}
		}
		return Result{Usage: usage}
	}

	return Result{}
}

func (e *Extractor) nowMS() int64 {
	return e.now().UnixMilli()
}

// isIgnored reports whether p falls under one of the extractor's
// ignored root directories.
func (e *Extractor) isIgnored(p string) bool {
	p = strings.TrimPrefix(path.Clean(p), "/")
	first, _, _ := strings.Cut(p, "/")
	for _, dir := range e.ignoredDirs {
		if first == dir {
			return true
		}
	}
	return false
}

// normalizePath converts an extracted, possibly-URI path into
// workspace-relative form. It returns false for anything that should
// be dropped: empty, a URL scheme other than file://, absolute outside
// the workspace root, or ignored.
func (e *Extractor) normalizePath(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	if idx := strings.Index(raw, "://"); idx >= 0 {
		scheme := raw[:idx]
		if scheme != "file" {
			return "", false
		}
		raw = raw[idx+3:]
	}

	var rel string
	if path.IsAbs(raw) {
		root := path.Clean(e.root)
		cleaned := path.Clean(raw)
		if cleaned != root && !strings.HasPrefix(cleaned, root+"/") {
			return "", false
		}
		rel = strings.TrimPrefix(strings.TrimPrefix(cleaned, root), "/")
	} else {
		rel = path.Clean(raw)
	}

	if rel == "" || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if e.isIgnored(rel) {
		return "", false
	}
	return rel, true
}
