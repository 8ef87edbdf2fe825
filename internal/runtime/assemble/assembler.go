// Package assemble resolves inline reference markers against a session's
// cache store and produces the final prompt text handed to inference.
package assemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
	"github.com/ctxctrl/ctxctrl/internal/runtime/directive"
	"github.com/ctxctrl/ctxctrl/internal/templates"
)

// DefaultTemplate is the prompt layout used when operators configure nothing
// else.
const DefaultTemplate = "Context: {{ .Context }}\n\nQ: {{ .Question }}\nA:"

// Prompt is the ephemeral assembly output.
type Prompt struct {
	Text        string   `json:"text"`
	ResolvedIDs []string `json:"resolvedIds,omitempty"`
}

// UnresolvedReferenceError reports the first missing id of a reference along
// with what the session actually holds, so the caller can render a helpful
// message.
type UnresolvedReferenceError struct {
	Missing   string
	Available []string
}

func (e *UnresolvedReferenceError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("assemble: no cache entry named %q (session has no entries)", e.Missing)
	}
	return fmt.Sprintf("assemble: no cache entry named %q (available: %s)", e.Missing, strings.Join(e.Available, ", "))
}

// TemplateData is what the prompt template receives.
type TemplateData struct {
	Context  string
	Question string
}

// Assembler renders resolved references through a prompt template. It never
// mutates the store; the only side effect of assembly is Get's last-accessed
// touch.
type Assembler struct {
	tmpl *templates.Template
}

// New compiles the prompt layout. An empty source selects DefaultTemplate.
func New(renderer *templates.Renderer, source string) (*Assembler, error) {
	if source == "" {
		source = DefaultTemplate
	}
	tmpl, err := renderer.CompileInline("prompt", source)
	if err != nil {
		return nil, err
	}
	return &Assembler{tmpl: tmpl}, nil
}

// NewFromTemplate wraps an already compiled layout, used when the layout
// comes from a sandboxed file.
func NewFromTemplate(tmpl *templates.Template) *Assembler {
	return &Assembler{tmpl: tmpl}
}

// Assemble resolves every reference marker in the residual text, left to
// right. Resolution is all-or-nothing per message: one missing id fails the
// whole assembly and no partial context is produced. Text without markers
// passes through unchanged, including the empty cache-operations-only case.
func (a *Assembler) Assemble(ctx context.Context, residual string, store cache.Store) (Prompt, error) {
	matches, _ := directive.ScanReferences(residual)
	if len(matches) == 0 {
		return Prompt{Text: residual}, nil
	}

	var (
		contexts []string
		resolved []string
	)
	for _, match := range matches {
		for _, id := range match.IDs {
			content, ok, err := store.Get(ctx, id)
			if err != nil {
				return Prompt{}, fmt.Errorf("assemble: resolve %q: %w", id, err)
			}
			if !ok {
				return Prompt{}, &UnresolvedReferenceError{Missing: id, Available: availableIDs(ctx, store)}
			}
			contexts = append(contexts, content)
			resolved = append(resolved, id)
		}
	}

	question := stripMarkers(residual, matches)
	text, err := a.tmpl.Render(TemplateData{
		Context:  strings.Join(contexts, "\n\n"),
		Question: question,
	})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{Text: text, ResolvedIDs: resolved}, nil
}

// stripMarkers removes the matched reference spans and tidies the whitespace
// the removal leaves behind.
func stripMarkers(text string, matches []directive.ReferenceMatch) string {
	var parts []string
	cursor := 0
	for _, match := range matches {
		if piece := strings.TrimSpace(text[cursor:match.Start]); piece != "" {
			parts = append(parts, piece)
		}
		cursor = match.End
	}
	if piece := strings.TrimSpace(text[cursor:]); piece != "" {
		parts = append(parts, piece)
	}
	return strings.Join(parts, " ")
}

func availableIDs(ctx context.Context, store cache.Store) []string {
	summaries, err := store.List(ctx)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		ids = append(ids, summary.ID)
	}
	return ids
}
