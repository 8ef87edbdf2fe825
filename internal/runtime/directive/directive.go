// Package directive extracts cache-management operations from raw message
// text. Anything that does not parse cleanly as a directive stays in the
// residual text untouched; degradation to plain text is the contract, not an
// error path.
package directive

import (
	"time"

	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
)

// Kind tags the parsed operation variant.
type Kind string

const (
	KindCache        Kind = "cache"
	KindUpdate       Kind = "update"
	KindClean        Kind = "clean"
	KindStartSession Kind = "start_session"
	KindReference    Kind = "reference"
)

// Directive is one parsed operation. It lives only for the parse-apply cycle
// of a single message.
type Directive struct {
	Kind Kind

	// ID names the target entry for Cache and Update.
	ID string
	// IDs carries the ordered id list for Clean (specific) and Reference.
	// Empty for Clean means "all".
	IDs []string
	// Content is the free text following a Cache or Update sentinel.
	Content string
	// TTL is the optional expiry; 0 means session lifetime.
	TTL time.Duration
	// Priority affects eviction order only.
	Priority cache.Priority
	// Label is the optional Start Session annotation.
	Label string
}

// Warning codes surfaced for diagnostics. None of them abort processing.
const (
	WarnParseAmbiguity   = "parse_ambiguity"
	WarnUnknownParameter = "unknown_parameter"
)

// Warning is a non-fatal parser signal.
type Warning struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Result is the full outcome of parsing one message.
type Result struct {
	Directives []Directive
	Residual   string
	Warnings   []Warning
}

// ValidIdent reports whether id matches the identifier grammar
// [A-Za-z0-9_]+. The parser already filters on this; apply-time performs the
// check once more as a hard error since the parse stage is deliberately
// lenient.
func ValidIdent(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !isIdentRune(r) {
			return false
		}
	}
	return true
}

func isIdentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_':
		return true
	}
	return false
}
