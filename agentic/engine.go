package agentic

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c360studio/taskgate/agentic/council"
	"github.com/c360studio/taskgate/config"
)

// Result aggregates one checkpoint run.
type Result struct {
	Passed     bool      `json:"passed"`
	Issues     []Issue   `json:"issues"`
	Checkpoint string    `json:"checkpoint"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream event types emitted by RunStream.
const (
	StreamRuleStarted   = "rule_started"
	StreamRuleCompleted = "rule_completed"
	StreamResult        = "result"
)

// StreamEvent reports rule-by-rule progress of a streamed run.
type StreamEvent struct {
	Type        string          `json:"type"`
	RuleID      string          `json:"rule_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Detail      map[string]any  `json:"detail,omitempty"`
	Passed      *bool           `json:"passed,omitempty"`
	Rationale   string          `json:"rationale,omitempty"`
	Judges      []council.Event `json:"judges,omitempty"`
	Result      *Result         `json:"result,omitempty"`
}

// Engine dispatches configured rules to their handlers. The handler
// table is immutable; the rule list can be swapped at runtime for
// config hot-reload.
type Engine struct {
	mu       sync.RWMutex
	rules    []config.RuleConfig
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewEngine builds an engine over a handler registry.
func NewEngine(rules []config.RuleConfig, handlers map[string]Handler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, handlers: handlers, logger: logger}
}

// SetRules replaces the active rule set.
func (e *Engine) SetRules(rules []config.RuleConfig) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	e.logger.Info("Rule set reloaded", "rules", len(rules))
}

// active returns the enabled rules for a checkpoint, in declared order.
func (e *Engine) active(checkpoint string) []config.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var active []config.RuleConfig
	for _, r := range e.rules {
		if r.Enabled && slices.Contains(r.Checkpoints, checkpoint) {
			active = append(active, r)
		}
	}
	return active
}

// Run evaluates all enabled rules for the snapshot's checkpoint. A rule
// handler error never fails the run; it surfaces as a synthetic issue.
func (e *Engine) Run(ctx context.Context, snap *Snapshot) *Result {
	result := &Result{
		Issues:     []Issue{},
		Checkpoint: snap.Checkpoint,
		Timestamp:  time.Now().UTC(),
	}

	for _, rule := range e.active(snap.Checkpoint) {
		handler, ok := e.handlers[rule.ID]
		if !ok {
			e.logger.Warn("No handler registered for rule", "rule", rule.ID)
			continue
		}

		issue, err := handler.Check(ctx, snap, rule.Params)
		if err != nil {
			e.logger.Error("Rule handler failed",
				"rule", rule.ID,
				"checkpoint", snap.Checkpoint,
				"error", err)
			issue = &Issue{RuleID: rule.ID, Message: "rule error", Hint: "see logs"}
		}
		if issue != nil {
			result.Issues = append(result.Issues, *issue)
		}
	}

	result.Passed = len(result.Issues) == 0
	return result
}

// RunStream evaluates like Run but emits a started and completed event
// per rule. Council rules attach their judge event replay to the
// completed event.
func (e *Engine) RunStream(ctx context.Context, snap *Snapshot, emit func(StreamEvent)) *Result {
	result := &Result{
		Issues:     []Issue{},
		Checkpoint: snap.Checkpoint,
		Timestamp:  time.Now().UTC(),
	}

	for _, rule := range e.active(snap.Checkpoint) {
		handler, ok := e.handlers[rule.ID]
		if !ok {
			e.logger.Warn("No handler registered for rule", "rule", rule.ID)
			continue
		}

		started := StreamEvent{
			Type:        StreamRuleStarted,
			RuleID:      rule.ID,
			Description: handler.Description,
		}
		if handler.Project != nil {
			started.Detail = handler.Project(snap)
		}
		emit(started)

		var (
			issue  *Issue
			err    error
			judges []council.Event
		)
		if handler.CheckStream != nil {
			issue, err = handler.CheckStream(ctx, snap, rule.Params, func(ev council.Event) {
				judges = append(judges, ev)
			})
		} else {
			issue, err = handler.Check(ctx, snap, rule.Params)
		}
		if err != nil {
			e.logger.Error("Rule handler failed",
				"rule", rule.ID,
				"checkpoint", snap.Checkpoint,
				"error", err)
			issue = &Issue{RuleID: rule.ID, Message: "rule error", Hint: "see logs"}
		}

		passed := issue == nil
		completed := StreamEvent{
			Type:   StreamRuleCompleted,
			RuleID: rule.ID,
			Passed: &passed,
			Judges: judges,
		}
		if issue != nil {
			completed.Rationale = issue.Message
			result.Issues = append(result.Issues, *issue)
		}
		emit(completed)
	}

	result.Passed = len(result.Issues) == 0
	emit(StreamEvent{Type: StreamResult, Result: result})
	return result
}
