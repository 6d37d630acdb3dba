package pii

import (
	"sort"
	"strings"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// SanitizeMode selects how accepted spans are rewritten.
type SanitizeMode string

const (
	// ModeLabel replaces the span with a bracketed type label, e.g. [EMAIL].
	ModeLabel SanitizeMode = "label"
	// ModeMask keeps a type-specific partial reveal: last four digits of a
	// card, the birth date and gender digit of an RRN, the first character
	// of an email local part.
	ModeMask SanitizeMode = "mask"
)

// Sanitize rewrites the accepted spans. Replacement runs right-to-left so
// the earlier spans' byte offsets stay valid while later text shifts.
func Sanitize(text string, matches []models.PIIMatch, mode SanitizeMode) string {
	if len(matches) == 0 {
		return text
	}

	ordered := make([]models.PIIMatch, len(matches))
	copy(ordered, matches)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Span[0] > ordered[j].Span[0]
	})

	out := text
	for _, m := range ordered {
		start, end := m.Span[0], m.Span[1]
		if start < 0 || end > len(out) || start >= end {
			continue
		}
		out = out[:start] + replacement(m, mode) + out[end:]
	}
	return out
}

// replacement renders one span's substitute text.
func replacement(m models.PIIMatch, mode SanitizeMode) string {
	label := "[" + string(m.Type) + "]"
	if mode != ModeMask {
		return label
	}

	switch m.Type {
	case models.PIICreditCard:
		digits := digitsOnly(m.Value)
		if len(digits) >= 4 {
			return "****-****-****-" + digits[len(digits)-4:]
		}
	case models.PIIRRN:
		digits := digitsOnly(m.Value)
		if len(digits) == 13 {
			return digits[:6] + "-" + digits[6:7] + "******"
		}
	case models.PIIEmail:
		if at := strings.IndexByte(m.Value, '@'); at > 0 {
			return m.Value[:1] + "***" + m.Value[at:]
		}
	case models.PIIPhone:
		digits := digitsOnly(m.Value)
		if len(digits) >= 4 {
			return "***-****-" + digits[len(digits)-4:]
		}
	case models.PIIBankAccount:
		digits := digitsOnly(m.Value)
		if len(digits) >= 3 {
			return strings.Repeat("*", len(digits)-3) + digits[len(digits)-3:]
		}
	}
	// Types without a partial-reveal rule fall back to the label.
	return label
}
