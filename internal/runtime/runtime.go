// Package runtime wires the session manager, admission policy, and metrics
// into the HTTP surface the lifecycle server exposes.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ctxctrl/ctxctrl/internal/config"
	"github.com/ctxctrl/ctxctrl/internal/metrics"
	"github.com/ctxctrl/ctxctrl/internal/policy"
	"github.com/ctxctrl/ctxctrl/internal/runtime/assemble"
	"github.com/ctxctrl/ctxctrl/internal/runtime/pipeline"
	"github.com/ctxctrl/ctxctrl/internal/runtime/session"
)

// maxMessageBytes caps inbound message bodies. Directive content lives inside
// the message, so this also bounds single-entry writes.
const maxMessageBytes = 1 << 20

// PipelineOptions carries the collaborators the pipeline serves.
type PipelineOptions struct {
	Manager           *session.Manager
	CorrelationHeader string
	Metrics           *metrics.Recorder
}

// Pipeline owns the session population and translates HTTP requests into
// pipeline runs. Routing stays in the server package; the pipeline only
// handles already-dispatched requests.
type Pipeline struct {
	logger            *slog.Logger
	manager           *session.Manager
	correlationHeader string
	metrics           *metrics.Recorder

	mu          sync.RWMutex
	ruleCount   int
	ruleSources []string
}

// NewPipeline assembles the runtime surface.
func NewPipeline(logger *slog.Logger, opts PipelineOptions) (*Pipeline, error) {
	if opts.Manager == nil {
		return nil, errors.New("runtime: session manager required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		manager:           opts.Manager,
		correlationHeader: opts.CorrelationHeader,
		metrics:           opts.Metrics,
	}, nil
}

// Close tears down every live session.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.manager.Close(ctx)
}

// Reload swaps the admission policy from a freshly loaded rule bundle. A
// bundle that fails to compile keeps the previous policy in place.
func (p *Pipeline) Reload(bundle config.RuleBundle) {
	rules := make([]policy.Rule, 0, len(bundle.Rules))
	for _, rule := range bundle.Rules {
		rules = append(rules, policy.Rule{Name: rule.Name, Deny: rule.Deny, Reason: rule.Reason})
	}
	compiled, err := policy.New(rules)
	if err != nil {
		p.logger.Error("policy reload failed, keeping previous rules", slog.Any("error", err))
		return
	}
	p.manager.SetPolicy(compiled)
	p.mu.Lock()
	p.ruleCount = len(rules)
	p.ruleSources = append([]string(nil), bundle.Sources...)
	p.mu.Unlock()
	p.logger.Info("policy rules loaded", slog.Int("rules", len(rules)), slog.Int("sources", len(bundle.Sources)))
}

type sessionHintKey struct{}

// RequestWithSessionHint stores the routed session id on the request context.
func (p *Pipeline) RequestWithSessionHint(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), sessionHintKey{}, id))
}

func sessionHintFromContext(ctx context.Context) string {
	hint, _ := ctx.Value(sessionHintKey{}).(string)
	return hint
}

// WriteError emits the JSON error payload shared by every endpoint.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

// messageRequest is the POST body. Message carries directives and question
// text; Session is optional and only honored when the URL did not already
// name a session.
type messageRequest struct {
	Session string `json:"session,omitempty"`
	Message string `json:"message"`
}

// messageResponse reports everything one pipeline run produced.
type messageResponse struct {
	Session    string                      `json:"session"`
	Label      string                      `json:"label,omitempty"`
	Prompt     string                      `json:"prompt"`
	Resolved   []string                    `json:"resolved,omitempty"`
	Directives []pipeline.DirectiveOutcome `json:"directives,omitempty"`
	Warnings   []directiveWarning          `json:"warnings,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

type directiveWarning struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ServeMessage runs one message through its session's pipeline.
func (p *Pipeline) ServeMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		p.WriteError(w, http.StatusMethodNotAllowed, "message endpoint accepts POST only")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		p.WriteError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	if len(body) > maxMessageBytes {
		p.WriteError(w, http.StatusRequestEntityTooLarge, "message exceeds size limit")
		return
	}
	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		p.WriteError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	sessionID := sessionHintFromContext(r.Context())
	if sessionID == "" {
		sessionID = req.Session
	}
	ctrl, err := p.manager.Acquire(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			p.metrics.ObserveMessage("rejected", time.Since(start))
			p.WriteError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		p.metrics.ObserveMessage("error", time.Since(start))
		p.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	correlationID := p.requestCorrelationID(r)
	logger := p.logger.With(
		slog.String("session", ctrl.ID()),
		slog.String("correlation_id", correlationID),
	)

	state, err := ctrl.Handle(r.Context(), req.Message)
	resp := messageResponse{
		Session:    state.Session.ID,
		Label:      state.Session.Label,
		Directives: state.Apply.Outcomes,
	}
	for _, warning := range state.Warnings() {
		resp.Warnings = append(resp.Warnings, directiveWarning{Code: warning.Code, Detail: warning.Detail})
	}

	status := http.StatusOK
	outcome := "ok"
	switch {
	case err == nil:
		resp.Prompt = state.Assemble.Prompt.Text
		resp.Resolved = state.Assemble.Prompt.ResolvedIDs
	default:
		resp.Error = err.Error()
		var unresolved *assemble.UnresolvedReferenceError
		switch {
		case errors.As(err, &unresolved):
			status = http.StatusUnprocessableEntity
			outcome = "assembly_failed"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
			outcome = "cancelled"
		default:
			status = http.StatusInternalServerError
			outcome = "error"
		}
		logger.Warn("message processing failed", slog.String("outcome", outcome), slog.Any("error", err))
	}
	p.metrics.ObserveMessage(outcome, time.Since(start))

	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("message response encode failed", slog.Any("error", err))
	}
}

// ServeEntries lists the live entries of a routed session.
func (p *Pipeline) ServeEntries(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := p.routedSession(w, r)
	if !ok {
		return
	}
	entries, err := ctrl.Entries(r.Context())
	if err != nil {
		p.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{"session": ctrl.ID(), "entries": entries}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("entries encode failed", slog.Any("error", err))
	}
}

// ServeStats reports a routed session's aggregate usage.
func (p *Pipeline) ServeStats(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := p.routedSession(w, r)
	if !ok {
		return
	}
	stats, err := ctrl.Stats(r.Context())
	if err != nil {
		p.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{"session": ctrl.ID(), "stats": stats}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("stats encode failed", slog.Any("error", err))
	}
}

// ServeTeardown removes a routed session and all its entries.
func (p *Pipeline) ServeTeardown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		p.WriteError(w, http.StatusMethodNotAllowed, "teardown accepts DELETE only")
		return
	}
	id := sessionHintFromContext(r.Context())
	if id == "" {
		p.WriteError(w, http.StatusBadRequest, "session id required")
		return
	}
	if err := p.manager.Remove(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			p.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		p.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionExists reports whether the manager currently holds the session.
func (p *Pipeline) SessionExists(id string) bool {
	_, err := p.manager.Lookup(id)
	return err == nil
}

// ServeHealth reports liveness plus the loaded policy footprint.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	ruleCount := p.ruleCount
	sources := append([]string(nil), p.ruleSources...)
	p.mu.RUnlock()

	status := map[string]any{
		"status":     "ok",
		"sessions":   p.manager.Count(),
		"rules":      ruleCount,
		"observedAt": time.Now().UTC(),
	}
	if len(sources) > 0 {
		status["ruleSources"] = sources
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) routedSession(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	id := sessionHintFromContext(r.Context())
	if id == "" {
		p.WriteError(w, http.StatusBadRequest, "session id required")
		return nil, false
	}
	ctrl, err := p.manager.Lookup(id)
	if err != nil {
		p.WriteError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return ctrl, true
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
