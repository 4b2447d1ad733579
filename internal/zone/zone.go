// Package zone implements the glob-based region access policy: an
// ordered allow list, an ordered deny list, deny always wins, and an
// unmatched path defaults to deny.
//
// Matching uses github.com/bmatcuk/doublestar/v4, which implements the
// portable `*`/`**`/`?` dialect without pulling in a full regex
// engine.
package zone

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Verdict is the outcome of evaluating a path against a Config.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// Config is an ordered pair of glob lists.
type Config struct {
	Allow []string
	Deny  []string
}

// ErrInvalidPattern is returned by NewConfig for a pattern doublestar
// cannot compile, or one smuggling in backreferences or extended regex
// constructs that have no place in the glob dialect.
type ErrInvalidPattern struct {
	Pattern string
	Reason  string
}

func (e *ErrInvalidPattern) Error() string {
	return fmt.Sprintf("zone: invalid pattern %q: %s", e.Pattern, e.Reason)
}

// rejectedTokens are regex/backreference constructs outside the
// minimal glob dialect.
var rejectedTokens = []string{"(?", "\\1", "\\2", "[[:", "(?:", "(?=", "(?!"}

func validatePattern(pattern string) error {
	if pattern == "" {
		return &ErrInvalidPattern{Pattern: pattern, Reason: "empty pattern"}
	}
	for _, tok := range rejectedTokens {
		if strings.Contains(pattern, tok) {
			return &ErrInvalidPattern{Pattern: pattern, Reason: "contains regex/backreference construct " + tok}
		}
	}
	if !doublestar.ValidatePattern(pattern) {
		return &ErrInvalidPattern{Pattern: pattern, Reason: "not a valid doublestar pattern"}
	}
	return nil
}

// NewConfig validates every pattern before constructing a Config, so a
// malformed zone file or CLI flag fails fast at startup rather than
// silently never matching.
func NewConfig(allow, deny []string) (Config, error) {
	for _, p := range allow {
		if err := validatePattern(p); err != nil {
			return Config{}, err
		}
	}
	for _, p := range deny {
		if err := validatePattern(p); err != nil {
			return Config{}, err
		}
	}
	return Config{Allow: allow, Deny: deny}, nil
}

// Evaluate matches path against the configuration. Deny beats allow;
// no match is deny. path must already be workspace-relative and use
// forward slashes (see internal/extractor's normalization).
func (c Config) Evaluate(path string) Verdict {
	for _, pattern := range c.Deny {
		if matches(pattern, path) {
			return Deny
		}
	}
	for _, pattern := range c.Allow {
		if matches(pattern, path) {
			return Allow
		}
	}
	return Deny
}

func matches(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return ok
}
