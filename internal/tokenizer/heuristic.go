package tokenizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// Heuristic is the default in-process codec. It segments text into runs of
// word characters, whitespace, and punctuation, then interns each segment in
// a process-local vocabulary. Decode(Encode(text)) == text for any input,
// which keeps the round-trip property testable without a real model
// tokenizer behind the service.
type Heuristic struct {
	mu    sync.RWMutex
	ids   map[string]int
	vocab []string
}

// NewHeuristic returns an empty-vocabulary codec.
func NewHeuristic() *Heuristic {
	return &Heuristic{ids: make(map[string]int)}
}

// Encode splits text into segments and returns their vocabulary ids,
// growing the vocabulary as new segments appear.
func (h *Heuristic) Encode(_ context.Context, text string) ([]int, error) {
	segments := segment(text)
	tokens := make([]int, 0, len(segments))

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range segments {
		id, ok := h.ids[seg]
		if !ok {
			id = len(h.vocab)
			h.ids[seg] = id
			h.vocab = append(h.vocab, seg)
		}
		tokens = append(tokens, id)
	}
	return tokens, nil
}

// Decode concatenates the segments behind the supplied ids. Unknown ids are
// an error: they cannot have come from this codec.
func (h *Heuristic) Decode(_ context.Context, tokens []int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var b strings.Builder
	for _, id := range tokens {
		if id < 0 || id >= len(h.vocab) {
			return "", fmt.Errorf("tokenizer: unknown token id %d", id)
		}
		b.WriteString(h.vocab[id])
	}
	return b.String(), nil
}

// segment cuts text into maximal runs of the same character class so the
// concatenation of all segments reproduces the input exactly.
func segment(text string) []string {
	var segments []string
	runes := []rune(text)
	for i := 0; i < len(runes); {
		class := classOf(runes[i])
		j := i + 1
		for j < len(runes) && classOf(runes[j]) == class {
			j++
		}
		segments = append(segments, string(runes[i:j]))
		i = j
	}
	return segments
}

func classOf(r rune) int {
	switch {
	case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
		return 0
	case unicode.IsSpace(r):
		return 1
	default:
		return 2
	}
}
