// Package council fans a rule prompt out to a panel of judge models and
// aggregates their votes into a single pass/fail outcome.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/llm"
	"github.com/c360studio/taskgate/metric"
)

const defaultReasoningTruncate = 800

// judgeSystemPrompt frames every judge call. The trailing instruction
// keeps ParseVerdict's first cascade step cheap.
const judgeSystemPrompt = "You are one judge on a task review council. " +
	"Evaluate the question strictly on the evidence given. " +
	"Explain your reasoning briefly, then end your reply with a single line containing exactly PASS or FAIL."

// Vote is one judge's contribution.
type Vote struct {
	Model     string  `json:"model"`
	Verdict   Verdict `json:"verdict"`
	Reasoning string  `json:"reasoning,omitempty"`
	Err       string  `json:"error,omitempty"`
}

// Result is the aggregated council outcome.
type Result struct {
	Passed    bool   `json:"passed"`
	Consensus string `json:"consensus"`
	Votes     []Vote `json:"votes"`
	// Chairman is set when the chairman policy produced the outcome.
	Chairman *Vote `json:"chairman,omitempty"`
}

// Council evaluates rule prompts against the configured judge panel.
type Council struct {
	client *llm.Client
	cfg    config.CouncilConfig
	logger *slog.Logger
}

// New builds a Council over the model transport.
func New(client *llm.Client, cfg config.CouncilConfig, logger *slog.Logger) *Council {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReasoningTruncate <= 0 {
		cfg.ReasoningTruncate = defaultReasoningTruncate
	}
	return &Council{client: client, cfg: cfg, logger: logger}
}

func (c *Council) enabledModels() []string {
	var models []string
	for _, m := range c.cfg.Models {
		if m.Enabled {
			models = append(models, m.ID)
		}
	}
	return models
}

// Evaluate fans the prompt out to all enabled judges concurrently and
// aggregates under the configured consensus policy. A judge's transport
// error or timeout counts as an unclear vote, never as an evaluation
// failure.
func (c *Council) Evaluate(ctx context.Context, ruleID, prompt string) (*Result, error) {
	models := c.enabledModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("council has no enabled judges")
	}

	votes := make([]Vote, len(models))
	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			votes[i] = c.callJudge(ctx, ruleID, model, prompt)
		}(i, model)
	}
	wg.Wait()

	return c.aggregate(ctx, ruleID, prompt, votes), nil
}

// callJudge runs one judge and parses its vote.
func (c *Council) callJudge(ctx context.Context, ruleID, model, prompt string) Vote {
	resp, err := c.judgeRequest(ctx, model, prompt, nil)
	if err != nil {
		c.logger.Warn("Judge call failed",
			"rule", ruleID,
			"model", model,
			"error", err)
		metric.CouncilVerdicts.WithLabelValues(ruleID, string(VerdictUnclear)).Inc()
		return Vote{Model: model, Verdict: VerdictUnclear, Err: err.Error()}
	}

	verdict := ParseVerdict(resp.Content)
	metric.CouncilVerdicts.WithLabelValues(ruleID, string(verdict)).Inc()
	return Vote{Model: model, Verdict: verdict, Reasoning: resp.Content}
}

// judgeRequest issues one transport call at temperature 0. fn, when
// non-nil, receives streamed deltas.
func (c *Council) judgeRequest(ctx context.Context, model, prompt string, fn llm.StreamFunc) (*llm.Response, error) {
	temp := 0.0
	req := llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: &temp,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if fn != nil {
		return c.client.CompleteStream(ctx, req, fn)
	}
	return c.client.Complete(ctx, req)
}

// aggregate applies the consensus policy to the collected votes.
func (c *Council) aggregate(ctx context.Context, ruleID, prompt string, votes []Vote) *Result {
	res := &Result{Consensus: c.cfg.Consensus, Votes: votes}

	switch c.cfg.Consensus {
	case "unanimity":
		res.Passed = len(votes) > 0
		for _, v := range votes {
			if v.Verdict != VerdictPass {
				res.Passed = false
				break
			}
		}
	case "chairman":
		chairman := c.chairmanVote(ctx, ruleID, prompt, votes)
		if chairman != nil && chairman.Verdict != VerdictUnclear {
			res.Chairman = chairman
			res.Passed = chairman.Verdict == VerdictPass
			break
		}
		// Chairman failed; fall back to majority.
		res.Passed = majority(votes)
	default: // majority
		res.Passed = majority(votes)
	}
	return res
}

// majority passes when strict pass votes outnumber fail votes. Unclear
// votes do not count.
func majority(votes []Vote) bool {
	var pass, fail int
	for _, v := range votes {
		switch v.Verdict {
		case VerdictPass:
			pass++
		case VerdictFail:
			fail++
		}
	}
	return pass > fail
}

// chairmanVote asks the chairman model to synthesise a final verdict
// from the judges' votes. Returns nil when the chairman cannot be
// reached or is unconfigured.
func (c *Council) chairmanVote(ctx context.Context, ruleID, prompt string, votes []Vote) *Vote {
	if c.cfg.ChairmanModel == "" {
		return nil
	}

	resp, err := c.judgeRequest(ctx, c.cfg.ChairmanModel, c.chairmanPrompt(prompt, votes), nil)
	if err != nil {
		c.logger.Warn("Chairman call failed, falling back to majority",
			"rule", ruleID,
			"model", c.cfg.ChairmanModel,
			"error", err)
		return nil
	}

	verdict := ParseVerdict(resp.Content)
	metric.CouncilVerdicts.WithLabelValues(ruleID, "chairman_"+string(verdict)).Inc()
	return &Vote{Model: c.cfg.ChairmanModel, Verdict: verdict, Reasoning: resp.Content}
}

// chairmanPrompt builds the synthesis prompt: the original question plus
// each judge's vote with truncated reasoning.
func (c *Council) chairmanPrompt(prompt string, votes []Vote) string {
	var b strings.Builder
	b.WriteString("You are the chairman of a review council. The council was asked:\n\n")
	b.WriteString(prompt)
	b.WriteString("\n\nThe judges voted as follows:\n")
	for _, v := range votes {
		b.WriteString("\n--- ")
		b.WriteString(v.Model)
		b.WriteString(" ---\nVote: ")
		b.WriteString(strings.ToUpper(string(v.Verdict)))
		b.WriteString("\nReasoning: ")
		b.WriteString(truncate(v.Reasoning, c.cfg.ReasoningTruncate))
		b.WriteString("\n")
	}
	b.WriteString("\nWeigh the arguments, not the vote count. End your reply with a single line containing exactly PASS or FAIL.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
