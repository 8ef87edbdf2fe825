// Package session owns the per-session message pipeline: parse the inbound
// text, apply directives in order against the session's store, then assemble
// the outgoing prompt. One controller exists per session and serializes its
// mutations; reads through Entries and Stats stay concurrent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ctxctrl/ctxctrl/internal/metrics"
	"github.com/ctxctrl/ctxctrl/internal/policy"
	"github.com/ctxctrl/ctxctrl/internal/runtime/assemble"
	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
	"github.com/ctxctrl/ctxctrl/internal/runtime/directive"
	"github.com/ctxctrl/ctxctrl/internal/runtime/pipeline"
	"github.com/ctxctrl/ctxctrl/internal/templates"
)

// WarnLimitExceeded signals that a write left the session over its configured
// memory ceiling after eviction ran out of removable entries.
const WarnLimitExceeded = "memory_limit_exceeded"

// StoreFactory builds a fresh store for a session. Start Session swaps the
// old store for a new one from this factory.
type StoreFactory func(sessionID string) (cache.Store, error)

// Defaults are applied to cache directives that omit the parameter.
type Defaults struct {
	TTL      time.Duration
	Priority cache.Priority
}

// PolicyProvider returns the current admission policy. Hot reloads swap the
// policy between messages without touching controllers.
type PolicyProvider func() *policy.Policy

// Controller runs the pipeline for a single session.
type Controller struct {
	id       string
	newStore StoreFactory

	parser    *directive.Parser
	assembler *assemble.Assembler
	policyFn  PolicyProvider
	defaults  Defaults
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu         sync.Mutex
	store      cache.Store
	label      string
	startedAt  time.Time
	resets     int
	lastActive time.Time
}

// ControllerConfig wires a controller's collaborators.
type ControllerConfig struct {
	ID        string
	NewStore  StoreFactory
	Parser    *directive.Parser
	Assembler *assemble.Assembler
	Policy    PolicyProvider
	Defaults  Defaults
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// NewController builds a controller and its initial store.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.ID == "" {
		return nil, errors.New("session: controller requires an id")
	}
	if cfg.NewStore == nil {
		return nil, errors.New("session: controller requires a store factory")
	}
	if cfg.Parser == nil {
		cfg.Parser = directive.NewParser()
	}
	if cfg.Assembler == nil {
		assembler, err := assemble.New(templates.NewRenderer(nil), "")
		if err != nil {
			return nil, err
		}
		cfg.Assembler = assembler
	}
	if cfg.Policy == nil {
		cfg.Policy = func() *policy.Policy { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	store, err := cfg.NewStore(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("session: create store for %s: %w", cfg.ID, err)
	}
	now := time.Now()
	return &Controller{
		id:         cfg.ID,
		newStore:   cfg.NewStore,
		parser:     cfg.Parser,
		assembler:  cfg.Assembler,
		policyFn:   cfg.Policy,
		defaults:   cfg.Defaults,
		logger:     cfg.Logger.With(slog.String("session", cfg.ID)),
		metrics:    cfg.Metrics,
		store:      store,
		startedAt:  now,
		lastActive: now,
	}, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// LastActive returns the time of the most recent message or read.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Handle runs one message through parse, apply, and assemble. Directives
// mutate the store in textual order before assembly reads it. A failed
// assembly does not roll anything back; applied directives stand.
func (c *Controller) Handle(ctx context.Context, raw string) (*pipeline.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()

	state := &pipeline.State{
		Message: pipeline.MessageState{Raw: raw, ReceivedAt: c.lastActive},
	}

	parsed := c.parser.Parse(raw)
	state.Parse = pipeline.ParseState{
		Directives: parsed.Directives,
		Residual:   parsed.Residual,
		Warnings:   parsed.Warnings,
	}
	for _, warning := range parsed.Warnings {
		c.metrics.RecordWarning(warning.Code)
		c.logger.WarnContext(ctx, "parse warning", slog.String("code", warning.Code), slog.String("detail", warning.Detail))
	}
	state.Results = append(state.Results, pipeline.Result{
		Name:    "parse",
		Status:  "ok",
		Details: fmt.Sprintf("%d directives, %d warnings", len(parsed.Directives), len(parsed.Warnings)),
	})

	for _, d := range parsed.Directives {
		if err := ctx.Err(); err != nil {
			// Cancellation mid-apply leaves prior directives committed.
			c.snapshotSessionLocked(state)
			return state, err
		}
		outcome := c.applyLocked(ctx, d, state)
		state.Apply.Outcomes = append(state.Apply.Outcomes, outcome)
		c.metrics.RecordDirective(string(d.Kind), outcome.Status)
		if outcome.Status == pipeline.StatusFailed {
			c.logger.WarnContext(ctx, "directive failed",
				slog.String("kind", string(d.Kind)), slog.String("id", d.ID), slog.String("detail", outcome.Detail))
		}
	}
	state.Results = append(state.Results, pipeline.Result{
		Name:    "apply",
		Status:  "ok",
		Details: fmt.Sprintf("%d directives applied", len(state.Apply.Outcomes)),
	})
	c.snapshotSessionLocked(state)

	prompt, err := c.assembler.Assemble(ctx, parsed.Residual, c.store)
	if err != nil {
		state.Assemble = pipeline.AssembleState{Failed: true, Error: err.Error()}
		state.Results = append(state.Results, pipeline.Result{Name: "assemble", Status: "failed", Details: err.Error()})
		return state, err
	}
	state.Assemble = pipeline.AssembleState{Prompt: prompt}
	state.Results = append(state.Results, pipeline.Result{Name: "assemble", Status: "ok"})
	return state, nil
}

func (c *Controller) snapshotSessionLocked(state *pipeline.State) {
	state.Session = pipeline.SessionState{
		ID:        c.id,
		Label:     c.label,
		StartedAt: c.startedAt,
		Resets:    c.resets,
	}
}

func (c *Controller) applyLocked(ctx context.Context, d directive.Directive, state *pipeline.State) pipeline.DirectiveOutcome {
	outcome := pipeline.DirectiveOutcome{Kind: string(d.Kind), ID: d.ID, IDs: d.IDs}

	if d.Kind == directive.KindReference {
		outcome.Status = pipeline.StatusSkipped
		outcome.Detail = "resolved during assembly"
		return outcome
	}

	if decision := c.policyFn().Evaluate(d, c.statsLocked(ctx)); !decision.Allowed {
		outcome.Status = pipeline.StatusDenied
		outcome.Detail = decision.Reason
		c.logger.InfoContext(ctx, "directive denied",
			slog.String("kind", string(d.Kind)), slog.String("rule", decision.Rule), slog.String("reason", decision.Reason))
		return outcome
	}

	switch d.Kind {
	case directive.KindCache, directive.KindUpdate:
		return c.applyPutLocked(ctx, d, outcome, state)
	case directive.KindClean:
		return c.applyCleanLocked(ctx, d, outcome)
	case directive.KindStartSession:
		return c.applyStartSessionLocked(ctx, d, outcome)
	default:
		outcome.Status = pipeline.StatusFailed
		outcome.Detail = fmt.Sprintf("unsupported directive kind %q", d.Kind)
		return outcome
	}
}

func (c *Controller) applyPutLocked(ctx context.Context, d directive.Directive, outcome pipeline.DirectiveOutcome, state *pipeline.State) pipeline.DirectiveOutcome {
	if !directive.ValidIdent(d.ID) {
		outcome.Status = pipeline.StatusFailed
		outcome.Detail = fmt.Sprintf("invalid identifier %q", d.ID)
		return outcome
	}
	opts := cache.PutOptions{TTL: d.TTL, Priority: d.Priority}
	if opts.TTL == 0 {
		opts.TTL = c.defaults.TTL
	}
	if opts.Priority == cache.PriorityNormal && c.defaults.Priority != cache.PriorityNormal {
		opts.Priority = c.defaults.Priority
	}

	start := time.Now()
	res, err := c.store.Put(ctx, d.ID, d.Content, opts)
	c.metrics.ObserveEncode(time.Since(start))
	if err != nil {
		c.metrics.RecordCacheOperation("put", "error")
		outcome.Status = pipeline.StatusFailed
		outcome.Detail = err.Error()
		return outcome
	}
	c.metrics.RecordCacheOperation("put", "ok")
	for _, ev := range res.Evicted {
		c.metrics.RecordEviction(string(ev.Reason))
	}

	outcome.Status = pipeline.StatusApplied
	outcome.TokenCount = res.TokenCount
	outcome.Evicted = res.Evicted
	switch {
	case d.Kind == directive.KindUpdate && !res.Replaced:
		outcome.Detail = "no existing entry, stored as new"
	case res.Replaced:
		outcome.Detail = "replaced existing entry"
	}
	if res.LimitExceeded {
		warning := directive.Warning{
			Code:   WarnLimitExceeded,
			Detail: fmt.Sprintf("entry %q committed while session memory remains over its limit", d.ID),
		}
		state.Apply.Warnings = append(state.Apply.Warnings, warning)
		c.metrics.RecordWarning(warning.Code)
		c.logger.WarnContext(ctx, "session memory limit exceeded", slog.String("id", d.ID), slog.Int("tokens", res.TokenCount))
	}
	return outcome
}

func (c *Controller) applyCleanLocked(ctx context.Context, d directive.Directive, outcome pipeline.DirectiveOutcome) pipeline.DirectiveOutcome {
	if len(d.IDs) == 0 {
		if err := c.store.Clear(ctx); err != nil {
			c.metrics.RecordCacheOperation("clear", "error")
			outcome.Status = pipeline.StatusFailed
			outcome.Detail = err.Error()
			return outcome
		}
		c.metrics.RecordCacheOperation("clear", "ok")
		outcome.Status = pipeline.StatusApplied
		outcome.Detail = "all entries removed"
		return outcome
	}

	freed := 0
	removed := 0
	var missing []string
	for _, id := range d.IDs {
		tokens, err := c.store.Remove(ctx, id)
		switch {
		case err == nil:
			c.metrics.RecordCacheOperation("remove", "ok")
			freed += tokens
			removed++
		case errors.Is(err, cache.ErrNotFound):
			// Absent means already clean, not a failure.
			c.metrics.RecordCacheOperation("remove", "noop")
			missing = append(missing, id)
		default:
			c.metrics.RecordCacheOperation("remove", "error")
			outcome.Status = pipeline.StatusFailed
			outcome.Detail = fmt.Sprintf("remove %s: %v", id, err)
			outcome.FreedTokens = freed
			return outcome
		}
	}
	outcome.FreedTokens = freed
	if removed == 0 {
		outcome.Status = pipeline.StatusNoop
		outcome.Detail = "already clean"
		return outcome
	}
	outcome.Status = pipeline.StatusApplied
	if len(missing) > 0 {
		outcome.Detail = fmt.Sprintf("removed %d entries, already clean: %s", removed, strings.Join(missing, ", "))
	} else {
		outcome.Detail = fmt.Sprintf("removed %d entries", removed)
	}
	return outcome
}

func (c *Controller) applyStartSessionLocked(ctx context.Context, d directive.Directive, outcome pipeline.DirectiveOutcome) pipeline.DirectiveOutcome {
	fresh, err := c.newStore(c.id)
	if err != nil {
		outcome.Status = pipeline.StatusFailed
		outcome.Detail = fmt.Sprintf("create store: %v", err)
		return outcome
	}
	// Wipe backend state before dropping the handle so a shared backend
	// does not leak the old session's entries.
	if err := c.store.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "clear on session reset failed", slog.String("error", err.Error()))
	}
	if err := c.store.Close(ctx); err != nil {
		c.logger.WarnContext(ctx, "close on session reset failed", slog.String("error", err.Error()))
	}
	c.store = fresh
	c.label = d.Label
	c.startedAt = time.Now()
	c.resets++
	outcome.Status = pipeline.StatusApplied
	if d.Label != "" {
		outcome.Detail = fmt.Sprintf("session reset with label %q", d.Label)
	} else {
		outcome.Detail = "session reset"
	}
	return outcome
}

func (c *Controller) statsLocked(ctx context.Context) cache.Stats {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "stats read failed", slog.String("error", err.Error()))
		return cache.Stats{}
	}
	return stats
}

// Entries lists the live entries of the session's store.
func (c *Controller) Entries(ctx context.Context) ([]cache.Summary, error) {
	c.mu.Lock()
	store := c.store
	c.lastActive = time.Now()
	c.mu.Unlock()
	return store.List(ctx)
}

// Stats reports the session's aggregate usage.
func (c *Controller) Stats(ctx context.Context) (cache.Stats, error) {
	c.mu.Lock()
	store := c.store
	c.lastActive = time.Now()
	c.mu.Unlock()
	return store.Stats(ctx)
}

// Teardown wipes and closes the session's store.
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("session: teardown %s: %w", c.id, err)
	}
	return c.store.Close(ctx)
}
