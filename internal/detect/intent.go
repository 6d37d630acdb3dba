package detect

import (
	"regexp"
	"strings"
)

// IntentClassifier is a cheap heuristic that identifies obviously benign
// inputs. It never produces threats; fusion uses it purely as a veto to
// suppress low-confidence false positives on conversational traffic.
type IntentClassifier struct {
	whitelist []*regexp.Regexp
}

// Inputs shorter than this are conversational noise, not attacks.
const benignLengthFloor = 15

func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{
		whitelist: []*regexp.Regexp{
			// Greetings and acknowledgements.
			regexp.MustCompile(`(?i)^(hi|hiya|hello|hey|yo|thanks|thank you|thx|ok|okay|yes|no|sure|bye|goodbye|good (morning|afternoon|evening|night))[\s.!?]*$`),
			// Short plain questions opening with a benign interrogative.
			regexp.MustCompile(`(?i)^(what|when|where|who|which|how|why|is|are|was|were|can|could|do|does|did|will|would|should)\b[^?]{0,80}\?\s*$`),
			// Simple arithmetic or lookup requests.
			regexp.MustCompile(`(?i)^(calculate|convert|translate|define|spell)\b[\w\s.,+\-*/=%'"]{0,60}$`),
		},
	}
}

// BenignIntent reports whether the input matches a benign shape.
func (ic *IntentClassifier) BenignIntent(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < benignLengthFloor {
		return true
	}
	for _, re := range ic.whitelist {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}
