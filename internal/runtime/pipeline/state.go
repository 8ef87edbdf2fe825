// Package pipeline defines the shared state a message carries through the
// parse, apply, and assemble steps, plus the result snapshots each step
// emits for observability.
package pipeline

import (
	"time"

	"github.com/ctxctrl/ctxctrl/internal/runtime/assemble"
	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
	"github.com/ctxctrl/ctxctrl/internal/runtime/directive"
)

// Result captures the outcome emitted by one processing step.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SessionState identifies the session a message runs against.
type SessionState struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	// Resets counts Start Session directives applied over the session's
	// lifetime, including mid-message resets.
	Resets int `json:"resets"`
}

// MessageState preserves the inbound message snapshot.
type MessageState struct {
	Raw        string    `json:"raw"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ParseState records what the directive parser extracted.
type ParseState struct {
	Directives []directive.Directive `json:"-"`
	Residual   string                `json:"residual"`
	Warnings   []directive.Warning   `json:"warnings,omitempty"`
}

// Directive apply statuses.
const (
	StatusApplied = "applied"
	StatusDenied  = "denied"
	StatusFailed  = "failed"
	StatusNoop    = "noop"
	StatusSkipped = "skipped"
)

// DirectiveOutcome is the per-directive apply result the caller receives.
type DirectiveOutcome struct {
	Kind        string           `json:"kind"`
	ID          string           `json:"id,omitempty"`
	IDs         []string         `json:"ids,omitempty"`
	Status      string           `json:"status"`
	Detail      string           `json:"detail,omitempty"`
	TokenCount  int              `json:"tokenCount,omitempty"`
	FreedTokens int              `json:"freedTokens,omitempty"`
	Evicted     []cache.Eviction `json:"evicted,omitempty"`
}

// ApplyState aggregates directive outcomes and store-level warnings.
type ApplyState struct {
	Outcomes []DirectiveOutcome  `json:"outcomes,omitempty"`
	Warnings []directive.Warning `json:"warnings,omitempty"`
}

// AssembleState records the final prompt, or why assembly failed.
type AssembleState struct {
	Prompt assemble.Prompt `json:"prompt"`
	Failed bool            `json:"failed,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// State threads one message through the sequential pipeline. Steps never run
// concurrently for the same message.
type State struct {
	Session  SessionState  `json:"session"`
	Message  MessageState  `json:"message"`
	Parse    ParseState    `json:"parse"`
	Apply    ApplyState    `json:"apply"`
	Assemble AssembleState `json:"assemble"`
	Results  []Result      `json:"results"`
}

// Warnings merges parser and apply warnings in emission order.
func (s *State) Warnings() []directive.Warning {
	if len(s.Parse.Warnings) == 0 && len(s.Apply.Warnings) == 0 {
		return nil
	}
	merged := make([]directive.Warning, 0, len(s.Parse.Warnings)+len(s.Apply.Warnings))
	merged = append(merged, s.Parse.Warnings...)
	merged = append(merged, s.Apply.Warnings...)
	return merged
}
