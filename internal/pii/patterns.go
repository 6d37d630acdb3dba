package pii

import (
	"strconv"
	"strings"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Pattern catalogue
//
// Two sets: a Korean locale set (resident registration numbers, phone
// numbers, passports, driver's licences, per-bank account formats) and a
// global set (email, credit card, IPv4, SSN, generic passport).
//
// Confidence follows the usual regex-specificity convention: 0.90+ means
// the format is structurally unambiguous, 0.70-0.89 means some ambiguity,
// below 0.70 means the pattern collides with ordinary numbers. Validators
// lift ambiguous matches: a 16-digit run that passes Luhn is a card.

// PatternSpec is one uncompiled detector entry. A nil Validate accepts
// every regex match; otherwise a failing validator rejects the span.
type PatternSpec struct {
	Type       models.PIIType
	Expr       string
	Confidence float64
	Severity   models.Severity
	Validate   func(match string) bool
}

// KoreanPatterns returns the locale set the gateway ships with. Ordering
// matters: more specific formats come first so they win overlapping spans.
func KoreanPatterns() []PatternSpec {
	return []PatternSpec{
		{
			// Resident registration number: YYMMDD-GNNNNNN with mod-11 check digit.
			Type:       models.PIIRRN,
			Expr:       `\b\d{6}[-\s]?[1-8]\d{6}\b`,
			Confidence: 0.95,
			Severity:   models.SeverityCritical,
			Validate:   ValidateRRN,
		},
		{
			// Driver's licence: region(2)-year(2)-serial(6)-check(2).
			Type:       models.PIIDriverLicence,
			Expr:       `\b\d{2}-\d{2}-\d{6}-\d{2}\b`,
			Confidence: 0.90,
			Severity:   models.SeverityHigh,
		},
		{
			// Passport: one uppercase letter (M/S/R/O/D) followed by 8 digits.
			Type:       models.PIIKoreanPassport,
			Expr:       `\b[MSRODmsrod]\d{8}\b`,
			Confidence: 0.80,
			Severity:   models.SeverityHigh,
		},
		{
			// Mobile: 01X-XXXX-XXXX (010 four-digit middle block, legacy 011/016-019 three).
			Type:       models.PIIPhone,
			Expr:       `\b01[016789][-.\s]?\d{3,4}[-.\s]?\d{4}\b`,
			Confidence: 0.90,
			Severity:   models.SeverityMedium,
		},
		{
			// Landline: 02 (Seoul) or 0XX area code.
			Type:       models.PIIPhone,
			Expr:       `\b0(2|[3-6][1-5])[-.\s]?\d{3,4}[-.\s]?\d{4}\b`,
			Confidence: 0.75,
			Severity:   models.SeverityMedium,
		},
		{
			// Bank accounts, per-bank digit grouping (KB, Shinhan, Woori, Hana,
			// NH, IBK). Grouped digits alone are ambiguous, hence the lower
			// confidence and the keyword-free structural forms.
			Type:       models.PIIBankAccount,
			Expr:       `\b\d{6}-\d{2}-\d{6}\b`, // KB 6-2-6
			Confidence: 0.70,
			Severity:   models.SeverityHigh,
		},
		{
			Type:       models.PIIBankAccount,
			Expr:       `\b\d{3}-\d{3}-\d{6}\b`, // Shinhan 3-3-6
			Confidence: 0.70,
			Severity:   models.SeverityHigh,
		},
		{
			Type:       models.PIIBankAccount,
			Expr:       `\b\d{4}-\d{3}-\d{6}\b`, // Woori 4-3-6
			Confidence: 0.70,
			Severity:   models.SeverityHigh,
		},
		{
			Type:       models.PIIBankAccount,
			Expr:       `\b\d{3}-\d{6}-\d{5}\b`, // Hana 3-6-5
			Confidence: 0.70,
			Severity:   models.SeverityHigh,
		},
		{
			Type:       models.PIIBankAccount,
			Expr:       `\b\d{3}-\d{4}-\d{4}-\d{2}\b`, // NH 3-4-4-2
			Confidence: 0.70,
			Severity:   models.SeverityHigh,
		},
	}
}

// GlobalPatterns returns the locale-independent set.
func GlobalPatterns() []PatternSpec {
	return []PatternSpec{
		{
			Type:       models.PIIEmail,
			Expr:       `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`,
			Confidence: 0.95,
			Severity:   models.SeverityMedium,
		},
		{
			// 13-19 digits in 4-digit groups or contiguous; Luhn decides.
			Type:       models.PIICreditCard,
			Expr:       `\b(?:\d[ -]?){12,18}\d\b`,
			Confidence: 0.85,
			Severity:   models.SeverityCritical,
			Validate:   ValidateLuhn,
		},
		{
			Type:       models.PIISSN,
			Expr:       `\b\d{3}-\d{2}-\d{4}\b`,
			Confidence: 0.85,
			Severity:   models.SeverityCritical,
			Validate:   ValidateSSN,
		},
		{
			Type:       models.PIIIPAddress,
			Expr:       `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
			Confidence: 0.70,
			Severity:   models.SeverityLow,
			Validate:   ValidateIPv4,
		},
		{
			// Generic passport: 1-2 letters + 6-9 digits. Broad by nature.
			Type:       models.PIIPassport,
			Expr:       `\b[A-Z]{1,2}\d{6,9}\b`,
			Confidence: 0.55,
			Severity:   models.SeverityMedium,
		},
	}
}

// ─── Validators ──────────────────────────────────────────────────────

// ValidateLuhn runs the Luhn checksum over the digits of the match.
// Card numbers are 13-19 digits; anything else fails.
func ValidateLuhn(match string) bool {
	digits := digitsOnly(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ValidateRRN checks the resident registration number: a plausible birth
// date, a valid gender/century digit, and the mod-11 check digit.
func ValidateRRN(match string) bool {
	digits := digitsOnly(match)
	if len(digits) != 13 {
		return false
	}

	month, _ := strconv.Atoi(digits[2:4])
	day, _ := strconv.Atoi(digits[4:6])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}

	// Gender digit 1-8 covers 1900s/2000s natives and foreign residents.
	gender := int(digits[6] - '0')
	if gender < 1 || gender > 8 {
		return false
	}

	weights := []int{2, 3, 4, 5, 6, 7, 8, 9, 2, 3, 4, 5}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	check := (11 - sum%11) % 10
	return check == int(digits[12]-'0')
}

// ValidateSSN applies the structural rules: area not 000/666/9xx, group
// not 00, serial not 0000.
func ValidateSSN(match string) bool {
	parts := strings.Split(match, "-")
	if len(parts) != 3 {
		return false
	}
	area, _ := strconv.Atoi(parts[0])
	group, _ := strconv.Atoi(parts[1])
	serial, _ := strconv.Atoi(parts[2])
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// ValidateIPv4 requires every octet to be 0-255 with no leading-zero
// padding beyond a bare "0".
func ValidateIPv4(match string) bool {
	octets := strings.Split(match, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		if len(o) > 1 && o[0] == '0' {
			return false
		}
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
