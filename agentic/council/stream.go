package council

import (
	"context"
	"fmt"

	"github.com/c360studio/taskgate/metric"
)

// Event types emitted by EvaluateStream, in order of appearance.
const (
	EventPrompt          = "prompt"
	EventModelStart      = "model_start"
	EventModelChunk      = "model_chunk"
	EventModelVerdict    = "model_verdict"
	EventChairmanStart   = "chairman_start"
	EventChairmanVerdict = "chairman_verdict"
	EventComplete        = "complete"
)

// Event is a tagged union over the streaming evaluation sequence. Only
// fields relevant to the tag are populated.
type Event struct {
	Type    string `json:"type"`
	Model   string `json:"model,omitempty"`
	Text    string `json:"text,omitempty"`
	Verdict string `json:"verdict,omitempty"`
	Passed  *bool  `json:"passed,omitempty"`
	Votes   []Vote `json:"votes,omitempty"`
}

// EmitFunc receives streaming events. It must not block indefinitely.
type EmitFunc func(Event)

// EvaluateStream evaluates like Evaluate but emits an ordered event
// sequence and runs the judges sequentially so clients see a coherent
// replay: prompt, then per judge model_start / model_chunk* /
// model_verdict, then (under the chairman policy) chairman_start /
// chairman_verdict, finally complete.
func (c *Council) EvaluateStream(ctx context.Context, ruleID, prompt string, emit EmitFunc) (*Result, error) {
	models := c.enabledModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("council has no enabled judges")
	}

	emit(Event{Type: EventPrompt, Text: prompt})

	votes := make([]Vote, 0, len(models))
	for _, model := range models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		emit(Event{Type: EventModelStart, Model: model})

		resp, err := c.judgeRequest(ctx, model, prompt, func(delta string) error {
			emit(Event{Type: EventModelChunk, Model: model, Text: delta})
			return nil
		})

		var vote Vote
		if err != nil {
			c.logger.Warn("Judge call failed",
				"rule", ruleID,
				"model", model,
				"error", err)
			vote = Vote{Model: model, Verdict: VerdictUnclear, Err: err.Error()}
		} else {
			vote = Vote{Model: model, Verdict: ParseVerdict(resp.Content), Reasoning: resp.Content}
		}
		metric.CouncilVerdicts.WithLabelValues(ruleID, string(vote.Verdict)).Inc()

		emit(Event{Type: EventModelVerdict, Model: model, Verdict: string(vote.Verdict), Text: vote.Reasoning})
		votes = append(votes, vote)
	}

	res := &Result{Consensus: c.cfg.Consensus, Votes: votes}
	switch c.cfg.Consensus {
	case "chairman":
		emit(Event{Type: EventChairmanStart, Model: c.cfg.ChairmanModel})
		chairman := c.chairmanVote(ctx, ruleID, prompt, votes)
		if chairman != nil && chairman.Verdict != VerdictUnclear {
			res.Chairman = chairman
			res.Passed = chairman.Verdict == VerdictPass
		} else {
			res.Passed = majority(votes)
		}
		emit(Event{Type: EventChairmanVerdict, Model: c.cfg.ChairmanModel, Passed: &res.Passed, Text: chairmanRationale(chairman)})
	case "unanimity":
		res.Passed = len(votes) > 0
		for _, v := range votes {
			if v.Verdict != VerdictPass {
				res.Passed = false
				break
			}
		}
	default:
		res.Passed = majority(votes)
	}

	emit(Event{Type: EventComplete, Passed: &res.Passed, Votes: votes})
	return res, nil
}

func chairmanRationale(v *Vote) string {
	if v == nil {
		return "chairman unavailable, majority fallback"
	}
	return v.Reasoning
}
