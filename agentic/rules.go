package agentic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/taskgate/agentic/council"
)

// Issue is one rule violation.
type Issue struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// CheckFunc evaluates one rule over a snapshot. A nil issue means the
// rule passed.
type CheckFunc func(ctx context.Context, snap *Snapshot, params map[string]any) (*Issue, error)

// StreamCheckFunc is the streaming variant used by council rules; emit
// receives the judge event replay.
type StreamCheckFunc func(ctx context.Context, snap *Snapshot, params map[string]any, emit council.EmitFunc) (*Issue, error)

// Handler binds a rule id to its check and its streaming description.
type Handler struct {
	// Description says what the rule verifies, for streamed progress.
	Description string

	// Project returns the compact snapshot slice the rule looks at.
	Project func(*Snapshot) map[string]any

	Check CheckFunc

	// CheckStream is set for council rules; deterministic rules fall
	// back to Check.
	CheckStream StreamCheckFunc
}

// NewHandlers builds the rule registry. The table is fixed at startup;
// rules are switched on and off through configuration, not by mutating
// the registry.
func NewHandlers(c *council.Council) map[string]Handler {
	handlers := map[string]Handler{
		"selection_count": {
			Description: "exactly four responses are selected",
			Project:     projectHunts,
			Check:       checkSelectionCount,
		},
		"model_consistency": {
			Description: "all selected responses come from the same model",
			Project:     projectHunts,
			Check:       checkModelConsistency,
		},
		"diversity": {
			Description: "selected responses cover enough distinct models",
			Project:     projectHunts,
			Check:       checkDiversity,
		},
	}

	councilRules := []struct {
		id          string
		description string
		project     func(*Snapshot) map[string]any
		prompt      func(*Snapshot) string
	}{
		{"human_llm_grade_alignment", "the hand grades are consistent with the graded responses", projectReviews, promptGradeAlignment},
		{"metadata_prompt_alignment", "the declared domain and use case match the prompt", projectMetadata, promptMetadataPrompt},
		{"metadata_taxonomy_alignment", "the declared taxonomy matches the task content", projectMetadata, promptMetadataTaxonomy},
		{"human_explanation_justifies_grade", "each explanation actually justifies its grade", projectReviews, promptExplanationJustifies},
		{"safety_context_aware", "the task is safe in its stated context", projectMetadata, promptSafety},
		{"qc_cfa_criteria_valid", "the grading criteria are well-formed and checkable", projectCriteria, promptCriteriaValid},
	}
	for _, r := range councilRules {
		handlers[r.id] = councilHandler(c, r.id, r.description, r.project, r.prompt)
	}

	return handlers
}

func checkSelectionCount(_ context.Context, snap *Snapshot, _ map[string]any) (*Issue, error) {
	if len(snap.Hunts) != selectionSize {
		return &Issue{
			RuleID:  "selection_count",
			Message: fmt.Sprintf("exactly %d responses must be selected, found %d", selectionSize, len(snap.Hunts)),
		}, nil
	}
	return nil, nil
}

func checkModelConsistency(_ context.Context, snap *Snapshot, _ map[string]any) (*Issue, error) {
	dist := modelDistribution(snap)
	if len(dist) <= 1 {
		return nil, nil
	}
	return &Issue{
		RuleID:  "model_consistency",
		Message: "selected responses must come from one model, found " + formatDistribution(dist),
		Hint:    "reselect so all four responses share a model",
	}, nil
}

func checkDiversity(_ context.Context, snap *Snapshot, params map[string]any) (*Issue, error) {
	min := intParam(params, "min_models", 2)
	dist := modelDistribution(snap)
	if len(dist) >= min {
		return nil, nil
	}
	return &Issue{
		RuleID:  "diversity",
		Message: fmt.Sprintf("selection must cover at least %d distinct models, found %d (%s)", min, len(dist), formatDistribution(dist)),
	}, nil
}

// councilHandler wraps a rule prompt builder into both the plain and
// streaming check shapes.
func councilHandler(c *council.Council, id, description string, project func(*Snapshot) map[string]any, prompt func(*Snapshot) string) Handler {
	issueFrom := func(res *council.Result) *Issue {
		if res.Passed {
			return nil
		}
		return &Issue{
			RuleID:  id,
			Message: "council verdict: fail (" + voteSummary(res) + ")",
			Hint:    failHint(res),
		}
	}

	return Handler{
		Description: description,
		Project:     project,
		Check: func(ctx context.Context, snap *Snapshot, _ map[string]any) (*Issue, error) {
			res, err := c.Evaluate(ctx, id, prompt(snap))
			if err != nil {
				return nil, err
			}
			return issueFrom(res), nil
		},
		CheckStream: func(ctx context.Context, snap *Snapshot, _ map[string]any, emit council.EmitFunc) (*Issue, error) {
			res, err := c.EvaluateStream(ctx, id, prompt(snap), emit)
			if err != nil {
				return nil, err
			}
			return issueFrom(res), nil
		},
	}
}

func modelDistribution(snap *Snapshot) map[string]int {
	dist := make(map[string]int)
	for _, h := range snap.Hunts {
		model := h.Model
		if model == "" {
			model = "unknown"
		}
		dist[model]++
	}
	return dist
}

// formatDistribution renders "model-a (3), model-b (1)" in stable order.
func formatDistribution(dist map[string]int) string {
	models := make([]string, 0, len(dist))
	for m := range dist {
		models = append(models, m)
	}
	sort.Strings(models)

	parts := make([]string, len(models))
	for i, m := range models {
		parts[i] = fmt.Sprintf("%s (%d)", m, dist[m])
	}
	return strings.Join(parts, ", ")
}

func voteSummary(res *council.Result) string {
	var pass, fail, unclear int
	for _, v := range res.Votes {
		switch v.Verdict {
		case council.VerdictPass:
			pass++
		case council.VerdictFail:
			fail++
		default:
			unclear++
		}
	}
	s := fmt.Sprintf("%d pass, %d fail, %d unclear, consensus %s", pass, fail, unclear, res.Consensus)
	if res.Chairman != nil {
		s += ", chairman " + string(res.Chairman.Verdict)
	}
	return s
}

// failHint surfaces the most relevant reasoning: the chairman's if it
// decided, else the first failing judge's.
func failHint(res *council.Result) string {
	if res.Chairman != nil && res.Chairman.Reasoning != "" {
		return firstLine(res.Chairman.Reasoning)
	}
	for _, v := range res.Votes {
		if v.Verdict == council.VerdictFail && v.Reasoning != "" {
			return firstLine(v.Reasoning)
		}
	}
	return "see judge reasoning"
}

func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			return t
		}
	}
	return s
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// ── Snapshot projections for streamed progress ─────────────────────────

func projectHunts(snap *Snapshot) map[string]any {
	return map[string]any{"selected_hunts": snap.Hunts}
}

func projectReviews(snap *Snapshot) map[string]any {
	return map[string]any{"criteria": snap.Criteria, "human_reviews": snap.HumanReviews}
}

func projectMetadata(snap *Snapshot) map[string]any {
	return map[string]any{"metadata": snap.Metadata, "prompt": compact(snap.Prompt, 200)}
}

func projectCriteria(snap *Snapshot) map[string]any {
	return map[string]any{"criteria": snap.Criteria}
}

func compact(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// ── Rule prompts ───────────────────────────────────────────────────────

func promptHeader(snap *Snapshot, question string) *strings.Builder {
	var b strings.Builder
	b.WriteString(question)
	b.WriteString("\n\nTask prompt:\n")
	b.WriteString(snap.Prompt)
	if len(snap.Criteria) > 0 {
		b.WriteString("\n\nGrading criteria:\n")
		for _, c := range snap.Criteria {
			fmt.Fprintf(&b, "- %s: %s\n", c.ID, c.Description)
		}
	}
	return &b
}

func writeReviews(b *strings.Builder, snap *Snapshot) {
	b.WriteString("\nHand grades:\n")
	for _, r := range snap.HumanReviews {
		fmt.Fprintf(b, "\nSlot %s (model %s)\nJudgment: %s\nGrading basis: %s\nExplanation: %s\n",
			r.Slot, r.Model, r.Judgment, r.GradingBasis, r.Explanation)
	}
}

func writeMetadata(b *strings.Builder, snap *Snapshot) {
	b.WriteString("\nDeclared task identity:\n")
	fields := make([]string, 0, len(snap.Metadata))
	for k := range snap.Metadata {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		fmt.Fprintf(b, "- %s: %s\n", k, snap.Metadata[k])
	}
}

func promptGradeAlignment(snap *Snapshot) string {
	b := promptHeader(snap, "Are the trainer's hand grades consistent with each other and with the grading criteria?")
	writeReviews(b, snap)
	return b.String()
}

func promptMetadataPrompt(snap *Snapshot) string {
	b := promptHeader(snap, "Do the declared domain and use case actually describe this task prompt?")
	writeMetadata(b, snap)
	return b.String()
}

func promptMetadataTaxonomy(snap *Snapshot) string {
	b := promptHeader(snap, "Does the declared taxonomy category fit the content of this task?")
	writeMetadata(b, snap)
	return b.String()
}

func promptExplanationJustifies(snap *Snapshot) string {
	b := promptHeader(snap, "For each hand grade, does the written explanation actually justify the judgment given?")
	writeReviews(b, snap)
	return b.String()
}

func promptSafety(snap *Snapshot) string {
	b := promptHeader(snap, "Considering its declared domain and use case, is this task safe and appropriate?")
	writeMetadata(b, snap)
	return b.String()
}

func promptCriteriaValid(snap *Snapshot) string {
	b := promptHeader(snap, "Are these grading criteria well-formed: individually checkable, unambiguous, and not mutually contradictory?")
	b.WriteString("\nRaw reference text:\n")
	b.WriteString(snap.Reference)
	return b.String()
}
