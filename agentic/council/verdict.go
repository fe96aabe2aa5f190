package council

import (
	"regexp"
	"strings"
)

// Verdict is a judge's parsed vote.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnclear Verdict = "unclear"
)

// The verdict literals are matched uppercase only: lowercase "pass" in
// running prose ("does not pass criterion C2") is not a verdict. Labels
// stay tolerant.
var (
	labelledRe  = regexp.MustCompile(`\b(?i:VERDICT|CONCLUSION|ANSWER|RESULT|FINAL|OUTCOME|DECISION|JUDGMENT)\s*:?\s*(PASS|FAIL|YES|NO)\b`)
	concludedRe = regexp.MustCompile(`\b(?i:CONCLUDE|THUS|THEREFORE|HENCE)\s*:?\s*(PASS|FAIL|YES|NO)\b`)

	wordRes = map[string]*regexp.Regexp{
		"PASS": regexp.MustCompile(`\bPASS\b`),
		"FAIL": regexp.MustCompile(`\bFAIL\b`),
		"YES":  regexp.MustCompile(`\bYES\b`),
		"NO":   regexp.MustCompile(`\bNO\b`),
	}
)

// ParseVerdict extracts a pass/fail verdict from free-form judge output.
// Judges are told to end with a bare PASS or FAIL line, but model output
// drifts, so matching proceeds with diminishing specificity:
//
//  1. the last non-empty line contains exactly one of PASS/FAIL,
//  2. one of the last three lines does,
//  3. the whole text does,
//  4. the same three tests with YES/NO,
//  5. a labelled verdict ("VERDICT: PASS", "CONCLUSION: NO", ...),
//  6. a concluding phrase ("therefore FAIL", ...),
//  7. the first or last uppercase token is an affirmative/negative literal.
//
// Anything else is unclear.
func ParseVerdict(text string) Verdict {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return VerdictUnclear
	}

	// Steps 1-3: bare PASS/FAIL.
	if v := scanLines(lines, text, "PASS", "FAIL"); v != VerdictUnclear {
		return v
	}
	// Step 4: the same scan with YES/NO.
	if v := scanLines(lines, text, "YES", "NO"); v != VerdictUnclear {
		return v
	}

	// Steps 5-6: labelled or concluded verdicts; the last match wins.
	for _, re := range []*regexp.Regexp{labelledRe, concludedRe} {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) > 0 {
			switch matches[len(matches)-1][1] {
			case "PASS", "YES":
				return VerdictPass
			case "FAIL", "NO":
				return VerdictFail
			}
		}
	}

	// Step 7: boundary tokens.
	tokens := strings.Fields(text)
	for _, tok := range []string{tokens[0], tokens[len(tokens)-1]} {
		switch strings.Trim(tok, ".,:;!\"'()[]") {
		case "PASS", "YES", "TRUE", "1":
			return VerdictPass
		case "FAIL", "NO", "FALSE", "0":
			return VerdictFail
		}
	}

	return VerdictUnclear
}

// scanLines applies the last-line, last-three-lines, whole-text cascade
// for one keyword pair.
func scanLines(lines []string, text, pos, neg string) Verdict {
	if v := uniqueWord(lines[len(lines)-1], pos, neg); v != VerdictUnclear {
		return v
	}
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-3; i-- {
		if v := uniqueWord(lines[i], pos, neg); v != VerdictUnclear {
			return v
		}
	}
	return uniqueWord(text, pos, neg)
}

// uniqueWord reports pass or fail when s contains exactly one of the two
// uppercase keywords as a whole word.
func uniqueWord(s, pos, neg string) Verdict {
	hasPos := wordRes[pos].MatchString(s)
	hasNeg := wordRes[neg].MatchString(s)
	switch {
	case hasPos && !hasNeg:
		return VerdictPass
	case hasNeg && !hasPos:
		return VerdictFail
	default:
		return VerdictUnclear
	}
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
