package pii

import (
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Scanner detects personal data in text. Matching is CPU-only, never
// suspends, and is deterministic for a fixed pattern and validator set:
// patterns run in catalogue order, matches are accepted in text order,
// and a span overlapping an earlier accepted span is discarded.
type Scanner struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	PatternSpec
	re *regexp.Regexp
}

// NewScanner compiles the Korean locale set followed by the global set.
// Invalid patterns are logged and skipped, never fatal.
func NewScanner() *Scanner {
	return NewScannerWithSets(KoreanPatterns(), GlobalPatterns())
}

// NewScannerWithSets compiles explicit pattern sets in the given order.
func NewScannerWithSets(sets ...[]PatternSpec) *Scanner {
	s := &Scanner{}
	for _, set := range sets {
		for _, spec := range set {
			re, err := regexp.Compile(spec.Expr)
			if err != nil {
				logrus.Warnf("[PII] Skipping invalid pattern for %s: %v", spec.Type, err)
				continue
			}
			s.patterns = append(s.patterns, compiledPattern{PatternSpec: spec, re: re})
		}
	}
	logrus.Debugf("[PII] Compiled %d patterns", len(s.patterns))
	return s
}

// Detect returns the accepted matches ordered by span start. Validator
// failure rejects a match entirely; it does not fall back to unvalidated.
func (s *Scanner) Detect(text string) []models.PIIMatch {
	if text == "" {
		return nil
	}

	var accepted []models.PIIMatch
	var taken [][2]int

	for _, p := range s.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlapsAny(taken, start, end) {
				continue
			}
			value := text[start:end]
			validated := false
			if p.Validate != nil {
				if !p.Validate(value) {
					continue
				}
				validated = true
			}
			accepted = append(accepted, models.PIIMatch{
				Type:       p.Type,
				Value:      value,
				Span:       [2]int{start, end},
				Confidence: p.Confidence,
				Severity:   p.Severity,
				Validated:  validated,
			})
			taken = append(taken, [2]int{start, end})
		}
	}

	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].Span[0] < accepted[j].Span[0]
	})
	return accepted
}

// HasCritical reports whether any match is severity critical.
func HasCritical(matches []models.PIIMatch) bool {
	for _, m := range matches {
		if m.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

func overlapsAny(taken [][2]int, start, end int) bool {
	for _, t := range taken {
		if start < t[1] && end > t[0] {
			return true
		}
	}
	return false
}
