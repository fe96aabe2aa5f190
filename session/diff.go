package session

import (
	"encoding/json"
	"sort"
)

// Review fields covered by the diff.
var diffFields = []string{"judgment", "grading_basis", "explanation"}

// ReviewChange is one field-level difference between two review maps.
type ReviewChange struct {
	Slot  string `json:"slot"`
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// DiffReviews computes the field-level differences between two review
// maps. Pure function: DiffReviews(v, v) is empty, and applying the
// changes to a yields b for the covered fields. Slot insertions and
// removals are reported as "added"/"removed" changes carrying the whole
// review as JSON.
func DiffReviews(a, b map[string]Review) []ReviewChange {
	var changes []ReviewChange

	slots := make(map[string]struct{}, len(a)+len(b))
	for s := range a {
		slots[s] = struct{}{}
	}
	for s := range b {
		slots[s] = struct{}{}
	}

	ordered := make([]string, 0, len(slots))
	for s := range slots {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	for _, slot := range ordered {
		oldRev, inA := a[slot]
		newRev, inB := b[slot]

		switch {
		case inA && !inB:
			raw, _ := json.Marshal(oldRev)
			changes = append(changes, ReviewChange{Slot: slot, Field: "removed", Old: string(raw)})
		case !inA && inB:
			raw, _ := json.Marshal(newRev)
			changes = append(changes, ReviewChange{Slot: slot, Field: "added", New: string(raw)})
		default:
			for _, field := range diffFields {
				oldVal := reviewField(oldRev, field)
				newVal := reviewField(newRev, field)
				if oldVal != newVal {
					changes = append(changes, ReviewChange{Slot: slot, Field: field, Old: oldVal, New: newVal})
				}
			}
		}
	}

	return changes
}

func reviewField(r Review, field string) string {
	switch field {
	case "judgment":
		return r.Judgment
	case "grading_basis":
		return r.GradingBasis
	case "explanation":
		return r.Explanation
	}
	return ""
}
