// Package agentic runs the configurable review rules over a task
// snapshot at the preflight and final checkpoints.
package agentic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/taskgate/session"
)

// Checkpoints at which the rule engine can run.
const (
	CheckpointPreflight = "preflight"
	CheckpointFinal     = "final"
)

// selectionSize is the number of hunt responses a task review covers.
const selectionSize = 4

// Criterion is one grading criterion extracted from the reference text.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// HuntSelection identifies one selected hunt and the model that produced it.
type HuntSelection struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// HumanReview is the trainer's final grade for one slot.
type HumanReview struct {
	Slot         string `json:"slot"`
	Judgment     string `json:"judgment"`
	GradingBasis string `json:"grading_basis"`
	Explanation  string `json:"explanation"`
	Model        string `json:"model,omitempty"`
}

// Snapshot is the pure projection of a session record that rules run
// over. Building it never touches the store or the network.
type Snapshot struct {
	Checkpoint   string            `json:"checkpoint"`
	Prompt       string            `json:"prompt"`
	Reference    string            `json:"reference"`
	Criteria     []Criterion       `json:"criteria"`
	Hunts        []HuntSelection   `json:"selected_hunts"`
	HumanReviews []HumanReview     `json:"human_reviews,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

// metadataAliases maps canonical task identity fields to the notebook
// metadata keys trainers actually use.
var metadataAliases = map[string][]string{
	"domain":   {"Domain", "domain", "Domain:"},
	"use_case": {"Use Case", "use_case", "UseCase", "use case"},
	"taxonomy": {"Taxonomy", "taxonomy", "Taxonomy Category", "taxonomy_category"},
	"task_id":  {"Task ID", "task_id", "task-id", "id"},
}

// BuildSnapshot projects a session record for one checkpoint. For
// preflight the caller supplies exactly four hunt ids; for final the
// ids are derived from the reviewed slots, which must number exactly four.
func BuildSnapshot(checkpoint string, state *session.FullState, huntIDs []string) (*Snapshot, error) {
	if checkpoint != CheckpointPreflight && checkpoint != CheckpointFinal {
		return nil, fmt.Errorf("unknown checkpoint %q", checkpoint)
	}
	if state == nil || state.Notebook == nil {
		return nil, fmt.Errorf("session has no notebook")
	}

	prompt, reference := currentTurn(state)
	snap := &Snapshot{
		Checkpoint: checkpoint,
		Prompt:     prompt,
		Reference:  reference,
		Criteria:   ParseCriteria(reference),
		Metadata:   extractMetadata(state.Notebook.Metadata),
	}

	switch checkpoint {
	case CheckpointPreflight:
		if len(huntIDs) != selectionSize {
			return nil, fmt.Errorf("preflight requires exactly %d hunt ids, got %d", selectionSize, len(huntIDs))
		}
		snap.Hunts = resolveHunts(state, huntIDs)
	case CheckpointFinal:
		ids := make([]string, 0, len(state.Reviews))
		for slot := range state.Reviews {
			ids = append(ids, slot)
		}
		if len(ids) != selectionSize {
			return nil, fmt.Errorf("final checkpoint requires exactly %d reviewed slots, got %d", selectionSize, len(ids))
		}
		sort.Strings(ids)
		snap.Hunts = resolveHunts(state, ids)

		for _, slot := range ids {
			rv := state.Reviews[slot]
			snap.HumanReviews = append(snap.HumanReviews, HumanReview{
				Slot:         slot,
				Judgment:     rv.Judgment,
				GradingBasis: rv.GradingBasis,
				Explanation:  rv.Explanation,
				Model:        rv.Model,
			})
		}
	}

	return snap, nil
}

// currentTurn picks the prompt and reference for the active turn.
// Multi-turn notebooks carry per-turn copies; the completed turn count
// indexes into them.
func currentTurn(state *session.FullState) (prompt, reference string) {
	nb := state.Notebook
	idx := len(state.Turns)
	if idx < len(nb.Turns) {
		return nb.Turns[idx].Prompt, nb.Turns[idx].Reference
	}
	return nb.Prompt, nb.Reference
}

// resolveHunts pairs each selected hunt id with the model that produced
// it, searching current-turn results first, then the accumulated ones,
// then the review record itself.
func resolveHunts(state *session.FullState, ids []string) []HuntSelection {
	modelOf := func(id string) string {
		n, err := strconv.Atoi(id)
		if err == nil {
			for _, r := range state.Results {
				if r.HuntID == n {
					return r.Model
				}
			}
			for _, r := range state.AllResults {
				if r.HuntID == n {
					return r.Model
				}
			}
		}
		if rv, ok := state.Reviews[id]; ok {
			return rv.Model
		}
		return ""
	}

	hunts := make([]HuntSelection, len(ids))
	for i, id := range ids {
		hunts[i] = HuntSelection{ID: id, Model: modelOf(id)}
	}
	return hunts
}

var criterionLineRe = regexp.MustCompile(`(?m)^\s*([Cc]\d+)\s*:\s*(.+)$`)

// ParseCriteria extracts grading criteria from the reference text.
// Trainers write either a JSON array whose elements carry an "id" and
// any key starting with "criteria", or plain "C1: description" lines.
// Ids are normalised to upper case.
func ParseCriteria(reference string) []Criterion {
	trimmed := strings.TrimSpace(reference)

	if strings.HasPrefix(trimmed, "[") {
		var raw []map[string]any
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			var criteria []Criterion
			for _, elem := range raw {
				id, _ := elem["id"].(string)
				if id == "" {
					continue
				}
				criteria = append(criteria, Criterion{
					ID:          strings.ToUpper(id),
					Description: firstCriteriaKey(elem),
				})
			}
			if len(criteria) > 0 {
				return criteria
			}
		}
	}

	var criteria []Criterion
	for _, m := range criterionLineRe.FindAllStringSubmatch(reference, -1) {
		criteria = append(criteria, Criterion{
			ID:          strings.ToUpper(m[1]),
			Description: strings.TrimSpace(m[2]),
		})
	}
	return criteria
}

// firstCriteriaKey returns the value of the first key (in sorted order)
// that starts with "criteria".
func firstCriteriaKey(elem map[string]any) string {
	keys := make([]string, 0, len(elem))
	for k := range elem {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(strings.ToLower(k), "criteria") {
			return fmt.Sprint(elem[k])
		}
	}
	return ""
}

// extractMetadata resolves the task identity fields through their
// accepted key aliases.
func extractMetadata(raw map[string]string) map[string]string {
	out := make(map[string]string, len(metadataAliases))
	for field, aliases := range metadataAliases {
		for _, alias := range aliases {
			if v, ok := raw[alias]; ok && v != "" {
				out[field] = v
				break
			}
		}
	}
	return out
}
