package directive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
)

// Parser performs a single left-to-right scan over raw message text. Matched
// sentinel spans are collected first, the residual is then rebuilt by copying
// only the unmatched gaps, so overlapping patterns and index shifting cannot
// occur.
type Parser struct{}

// NewParser returns a stateless parser; one instance serves all sessions.
func NewParser() *Parser {
	return &Parser{}
}

// span is a half-open [start,end) region of the input claimed by a directive.
type span struct {
	start int
	end   int
	d     Directive
}

// Parse extracts ordered directives plus the residual text. Reference markers
// are reported as directives but deliberately left inside the residual: the
// assembler needs their position to split context from question.
func (p *Parser) Parse(raw string) Result {
	var result Result

	spans, warnings := scanSentinels(raw)
	result.Warnings = warnings

	// Cache and Update sentinels own the free text that follows them, up to
	// the next recognized sentinel or end of input.
	for i := range spans {
		if spans[i].d.Kind != KindCache && spans[i].d.Kind != KindUpdate {
			continue
		}
		contentEnd := len(raw)
		if i+1 < len(spans) {
			contentEnd = spans[i+1].start
		}
		spans[i].d.Content = strings.TrimSpace(raw[spans[i].end:contentEnd])
		spans[i].end = contentEnd
	}

	// Rebuild the residual from the gaps and locate reference markers inside
	// them, keeping global document order across both directive forms.
	var gaps []string
	cursor := 0
	spanIdx := 0
	appendGap := func(start, end int) {
		gap := raw[start:end]
		if trimmed := strings.TrimSpace(gap); trimmed != "" {
			gaps = append(gaps, trimmed)
		}
		matches, warns := ScanReferences(gap)
		result.Warnings = append(result.Warnings, warns...)
		for _, match := range matches {
			result.Directives = append(result.Directives, Directive{Kind: KindReference, IDs: match.IDs})
		}
	}
	for spanIdx < len(spans) {
		s := spans[spanIdx]
		if cursor < s.start {
			appendGap(cursor, s.start)
		}
		result.Directives = append(result.Directives, s.d)
		cursor = s.end
		spanIdx++
	}
	if cursor < len(raw) {
		appendGap(cursor, len(raw))
	}
	result.Residual = strings.Join(gaps, " ")
	return result
}

// scanSentinels walks the input once collecting well-formed bracketed
// directives. Malformed bracket bodies that still look directive-like produce
// a parse-ambiguity warning and stay in the text.
func scanSentinels(raw string) ([]span, []Warning) {
	var (
		spans    []span
		warnings []Warning
	)
	i := 0
	for i < len(raw) {
		open := strings.Index(raw[i:], "[")
		if open < 0 {
			break
		}
		open += i
		closing := strings.Index(raw[open:], "]")
		if closing < 0 {
			if directiveLike(raw[open+1:]) {
				warnings = append(warnings, Warning{
					Code:   WarnParseAmbiguity,
					Detail: "unterminated directive bracket left as plain text",
				})
			}
			break
		}
		closing += open

		body := raw[open+1 : closing]
		d, warns, err := parseBody(body)
		if err != nil {
			if directiveLike(body) {
				warnings = append(warnings, Warning{
					Code:   WarnParseAmbiguity,
					Detail: fmt.Sprintf("directive-like text %q left as plain text: %v", "["+body+"]", err),
				})
			}
			i = open + 1
			continue
		}
		warnings = append(warnings, warns...)
		spans = append(spans, span{start: open, end: closing + 1, d: d})
		i = closing + 1
	}
	return spans, warnings
}

// parseBody interprets the text between brackets. A non-nil error means the
// bracket is not a directive and must stay verbatim in the residual.
func parseBody(body string) (Directive, []Warning, error) {
	head, tail, hasColon := strings.Cut(body, ":")
	keyword := strings.Join(strings.Fields(strings.ToLower(head)), " ")

	switch keyword {
	case "cache":
		if !hasColon {
			return Directive{}, nil, fmt.Errorf("cache directive missing identifier")
		}
		return parseCacheSpec(KindCache, tail)
	case "update cache", "update":
		if !hasColon {
			return Directive{}, nil, fmt.Errorf("update directive missing identifier")
		}
		return parseCacheSpec(KindUpdate, tail)
	case "clean cache", "clean":
		if !hasColon {
			return Directive{Kind: KindClean}, nil, nil
		}
		ids, err := parseIdentList(tail)
		if err != nil {
			return Directive{}, nil, err
		}
		return Directive{Kind: KindClean, IDs: ids}, nil, nil
	case "start session":
		return Directive{Kind: KindStartSession, Label: strings.TrimSpace(tail)}, nil, nil
	default:
		return Directive{}, nil, fmt.Errorf("unknown keyword %q", keyword)
	}
}

// parseCacheSpec handles "id" or "id, key: value, ..." after a Cache or
// Update keyword. Unknown or malformed parameters degrade to warnings; an
// invalid identifier invalidates the whole directive.
func parseCacheSpec(kind Kind, tail string) (Directive, []Warning, error) {
	parts := strings.Split(tail, ",")
	id := strings.TrimSpace(parts[0])
	if !ValidIdent(id) {
		return Directive{}, nil, fmt.Errorf("invalid identifier %q", id)
	}

	d := Directive{Kind: kind, ID: id, Priority: cache.PriorityNormal}
	var warnings []Warning
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			warnings = append(warnings, Warning{
				Code:   WarnUnknownParameter,
				Detail: fmt.Sprintf("parameter %q is not key: value, ignored", strings.TrimSpace(part)),
			})
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "ttl":
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds <= 0 {
				warnings = append(warnings, Warning{
					Code:   WarnUnknownParameter,
					Detail: fmt.Sprintf("ttl %q is not a positive integer, entry gets no expiry", value),
				})
				continue
			}
			d.TTL = time.Duration(seconds) * time.Second
		case "priority":
			priority, ok := cache.ParsePriority(value)
			if !ok {
				warnings = append(warnings, Warning{
					Code:   WarnUnknownParameter,
					Detail: fmt.Sprintf("priority %q unrecognized, defaulting to normal", value),
				})
			}
			d.Priority = priority
		default:
			warnings = append(warnings, Warning{
				Code:   WarnUnknownParameter,
				Detail: fmt.Sprintf("unknown parameter %q ignored", key),
			})
		}
	}
	return d, warnings, nil
}

func parseIdentList(tail string) ([]string, error) {
	var ids []string
	for _, part := range strings.Split(tail, ",") {
		id := strings.TrimSpace(part)
		if !ValidIdent(id) {
			return nil, fmt.Errorf("invalid identifier %q", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// directiveLike reports whether a bracket body starts with one of the
// directive keywords, gating parse-ambiguity warnings so arbitrary bracketed
// prose stays silent.
func directiveLike(body string) bool {
	fields := strings.Fields(strings.ToLower(body))
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimSuffix(fields[0], ":")
	switch first {
	case "cache", "update", "clean", "start":
		return true
	}
	return false
}

// ReferenceMatch locates one inline reference marker inside scanned text.
type ReferenceMatch struct {
	Start int
	End   int
	IDs   []string
}

const referenceKeyword = "reference"

// ScanReferences finds inline "reference: id1,id2" markers. The id list is
// consumed greedily but conservatively: after a comma, a candidate token only
// counts as another id when yet another comma or the end of the text follows
// it. Anything else belongs to the question, which is how
// "reference: doc1, what is this about?" resolves to one id.
func ScanReferences(text string) ([]ReferenceMatch, []Warning) {
	var (
		matches  []ReferenceMatch
		warnings []Warning
	)
	lower := strings.ToLower(text)
	pos := 0
	for {
		idx := strings.Index(lower[pos:], referenceKeyword)
		if idx < 0 {
			break
		}
		idx += pos
		pos = idx + len(referenceKeyword)

		// Word boundary before the keyword.
		if idx > 0 && isIdentRune(rune(lower[idx-1])) {
			continue
		}
		cursor := skipSpaces(text, idx+len(referenceKeyword))
		if cursor >= len(text) || text[cursor] != ':' {
			continue
		}
		cursor = skipSpaces(text, cursor+1)

		first, next := readIdent(text, cursor)
		if first == "" {
			warnings = append(warnings, Warning{
				Code:   WarnParseAmbiguity,
				Detail: "reference marker without identifiers left as plain text",
			})
			continue
		}
		ids := []string{first}
		end := next
		cursor = next
		for {
			afterSpaces := skipSpaces(text, cursor)
			if afterSpaces >= len(text) || text[afterSpaces] != ',' {
				break
			}
			candidateStart := skipSpaces(text, afterSpaces+1)
			candidate, candidateEnd := readIdent(text, candidateStart)
			if candidate == "" || !idTerminated(text, candidateEnd) {
				// The comma separates the id list from the question.
				end = candidateStart
				cursor = candidateStart
				break
			}
			ids = append(ids, candidate)
			end = candidateEnd
			cursor = candidateEnd
		}
		matches = append(matches, ReferenceMatch{Start: idx, End: end, IDs: ids})
		pos = end
	}
	return matches, warnings
}

func skipSpaces(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	return i
}

func readIdent(text string, i int) (string, int) {
	start := i
	for i < len(text) && isIdentRune(rune(text[i])) {
		i++
	}
	return text[start:i], i
}

// idTerminated reports whether an id candidate ends at a list-friendly
// boundary (a further comma, or nothing at all) rather than flowing into the
// question.
func idTerminated(text string, i int) bool {
	j := skipSpaces(text, i)
	return j >= len(text) || text[j] == ','
}
