package directive

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
)

func TestParseCacheDirective(t *testing.T) {
	p := NewParser()
	result := p.Parse("[Cache: doc1] Hello world")

	require.Len(t, result.Directives, 1)
	d := result.Directives[0]
	assert.Equal(t, KindCache, d.Kind)
	assert.Equal(t, "doc1", d.ID)
	assert.Equal(t, "Hello world", d.Content)
	assert.Equal(t, time.Duration(0), d.TTL)
	assert.Equal(t, cache.PriorityNormal, d.Priority)
	assert.Empty(t, result.Residual)
	assert.Empty(t, result.Warnings)
}

func TestParseCacheParameters(t *testing.T) {
	p := NewParser()
	result := p.Parse("[Cache: doc1, ttl: 300, priority: high] content here")

	require.Len(t, result.Directives, 1)
	d := result.Directives[0]
	assert.Equal(t, 300*time.Second, d.TTL)
	assert.Equal(t, cache.PriorityHigh, d.Priority)
	assert.Equal(t, "content here", d.Content)
}

func TestParseParameterWarnings(t *testing.T) {
	p := NewParser()
	result := p.Parse("[Cache: doc1, ttl: soon, color: blue, priority: urgent] text")

	require.Len(t, result.Directives, 1)
	d := result.Directives[0]
	assert.Equal(t, time.Duration(0), d.TTL)
	assert.Equal(t, cache.PriorityNormal, d.Priority)

	require.Len(t, result.Warnings, 3)
	for _, w := range result.Warnings {
		assert.Equal(t, WarnUnknownParameter, w.Code)
	}
}

func TestParseMultipleDirectives(t *testing.T) {
	p := NewParser()
	result := p.Parse("[Cache: a] first block [Cache: b] second block")

	require.Len(t, result.Directives, 2)
	assert.Equal(t, "a", result.Directives[0].ID)
	assert.Equal(t, "first block", result.Directives[0].Content)
	assert.Equal(t, "b", result.Directives[1].ID)
	assert.Equal(t, "second block", result.Directives[1].Content)
	assert.Empty(t, result.Residual)
}

func TestParseUpdateCleanStartSession(t *testing.T) {
	p := NewParser()

	result := p.Parse("[Update Cache: doc1] fresh content")
	require.Len(t, result.Directives, 1)
	assert.Equal(t, KindUpdate, result.Directives[0].Kind)
	assert.Equal(t, "fresh content", result.Directives[0].Content)

	result = p.Parse("[Clean Cache: doc1,doc2]")
	require.Len(t, result.Directives, 1)
	assert.Equal(t, KindClean, result.Directives[0].Kind)
	assert.Equal(t, []string{"doc1", "doc2"}, result.Directives[0].IDs)

	result = p.Parse("[Clean Cache]")
	require.Len(t, result.Directives, 1)
	assert.Equal(t, KindClean, result.Directives[0].Kind)
	assert.Empty(t, result.Directives[0].IDs)

	result = p.Parse("[Start Session]")
	require.Len(t, result.Directives, 1)
	assert.Equal(t, KindStartSession, result.Directives[0].Kind)

	result = p.Parse("[Start Session: research notes]")
	require.Len(t, result.Directives, 1)
	assert.Equal(t, "research notes", result.Directives[0].Label)
}

func TestParseMalformedStaysVerbatim(t *testing.T) {
	p := NewParser()

	cases := []struct {
		name  string
		input string
		warns bool
	}{
		{"missing identifier", "[Cache: ] some text", true},
		{"invalid identifier", "[Cache: bad-id] some text", true},
		{"missing colon", "[Cache doc1] some text", true},
		{"unterminated", "some [Cache: doc1 trailing text", true},
		{"unknown keyword", "these [are just words] in brackets", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := p.Parse(tc.input)
			assert.Empty(t, result.Directives)
			assert.Equal(t, tc.input, result.Residual)
			if tc.warns {
				require.NotEmpty(t, result.Warnings)
				assert.Equal(t, WarnParseAmbiguity, result.Warnings[0].Code)
			} else {
				assert.Empty(t, result.Warnings)
			}
		})
	}
}

func TestParseReferenceMarkerSingleID(t *testing.T) {
	p := NewParser()
	input := "reference: doc1, what is this about?"
	result := p.Parse(input)

	require.Len(t, result.Directives, 1)
	d := result.Directives[0]
	assert.Equal(t, KindReference, d.Kind)
	assert.Equal(t, []string{"doc1"}, d.IDs)
	// The marker stays in the residual; the assembler strips it.
	assert.Equal(t, input, result.Residual)
}

func TestParseReferenceMarkerMultipleIDs(t *testing.T) {
	p := NewParser()
	result := p.Parse("reference: doc1, doc2, doc3, summarize the differences")

	require.Len(t, result.Directives, 1)
	assert.Equal(t, []string{"doc1", "doc2", "doc3"}, result.Directives[0].IDs)
}

func TestParseReferenceNoIdentifiers(t *testing.T) {
	p := NewParser()
	result := p.Parse("see the reference: , for details")

	assert.Empty(t, result.Directives)
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, WarnParseAmbiguity, result.Warnings[0].Code)
}

func TestParseOrderPreserved(t *testing.T) {
	p := NewParser()
	result := p.Parse("[Clean Cache: old] reference: doc1, and then? [Cache: fresh] new content")

	require.Len(t, result.Directives, 3)
	assert.Equal(t, KindClean, result.Directives[0].Kind)
	assert.Equal(t, KindReference, result.Directives[1].Kind)
	assert.Equal(t, KindCache, result.Directives[2].Kind)
}

func TestParsePurity(t *testing.T) {
	p := NewParser()
	inputs := []string{
		"[Cache: doc1] Hello world",
		"[Cache: a] x [Update Cache: b] y [Clean Cache] [Start Session: s]",
		"plain text without anything",
		"[Cache: a, ttl: 5] body reference: a, question?",
	}
	for _, input := range inputs {
		result := p.Parse(input)
		inner := NewParser().Parse(result.Residual)
		for _, d := range inner.Directives {
			if d.Kind != KindReference {
				t.Fatalf("residual %q still contains sentinel directive %v", result.Residual, d)
			}
		}
		if strings.Contains(result.Residual, "[Cache") || strings.Contains(result.Residual, "[Clean") {
			t.Fatalf("residual %q contains directive pattern", result.Residual)
		}
	}
}

func TestScanReferencesBoundaries(t *testing.T) {
	// "preference:" must not match.
	matches, _ := ScanReferences("my preference: doc1, x")
	assert.Empty(t, matches)

	matches, _ = ScanReferences("Reference: a,b")
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"a", "b"}, matches[0].IDs)

	// A trailing word followed by punctuation is the question, not an id.
	matches, _ = ScanReferences("reference: a, merge?")
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"a"}, matches[0].IDs)

	// Marker offsets cover the id list so the caller can strip it.
	text := "please reference: ctx1, answer me"
	matches, _ = ScanReferences(text)
	require.Len(t, matches, 1)
	stripped := text[:matches[0].Start] + text[matches[0].End:]
	assert.Equal(t, "please answer me", strings.Join(strings.Fields(stripped), " "))
}

func TestValidIdent(t *testing.T) {
	valid := []string{"a", "doc1", "UPPER_lower_42", "_"}
	for _, id := range valid {
		assert.True(t, ValidIdent(id), id)
	}
	invalid := []string{"", "bad-id", "with space", "dotted.id", "émoji"}
	for _, id := range invalid {
		assert.False(t, ValidIdent(id), id)
	}
}
