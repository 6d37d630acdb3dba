package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// SignatureSpec is one uncompiled catalogue entry: a set of patterns that
// share a category, severity, description and base confidence. The JSON
// shape doubles as the on-disk catalogue format.
type SignatureSpec struct {
	ID             string                `json:"id"`
	Category       models.AttackCategory `json:"category"`
	Severity       models.Severity       `json:"severity"`
	ConfidenceBase float64               `json:"confidenceBase"`
	Description    string                `json:"description,omitempty"`
	Patterns       []string              `json:"patterns"`
}

// LoadCatalogueFile reads a JSON signature catalogue from disk. Validation
// happens at compile time in NewPatternClassifier: bad patterns are skipped
// there, not here, so a hand-edited file degrades instead of failing.
func LoadCatalogueFile(path string) ([]SignatureSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	var specs []SignatureSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("catalogue %s holds no signatures", path)
	}
	return specs, nil
}

// signature is the compiled form.
type signature struct {
	SignatureSpec
	compiled []*regexp.Regexp
}

// DefaultCatalogue returns the built-in signature set. Patterns are
// case-insensitive and dot-matches-newline by construction.
func DefaultCatalogue() []SignatureSpec {
	return []SignatureSpec{
		{
			ID:             "sig-instruction-override",
			Category:       models.CategoryInstructionOverride,
			Severity:       models.SeverityCritical,
			ConfidenceBase: 0.90,
			Description:    "Attempt to void or replace the standing instructions",
			Patterns: []string{
				`(?is)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|directives?|context)`,
				`(?is)(forget|disregard)\s+(everything|all|previous|prior|the|your)\s*(instructions?|guidance|rules|context)?`,
				`(?is)new\s+(instructions?|directives?)\s*:`,
				`(?is)do\s+not\s+follow\s+(the\s+)?(previous|prior|original|system)\s+(instructions?|prompt)`,
				`(?is)(이전|위의?)\s*(지시|명령|프롬프트).{0,12}무시`,
			},
		},
		{
			ID:             "sig-system-extraction",
			Category:       models.CategorySystemExtraction,
			Severity:       models.SeverityCritical,
			ConfidenceBase: 0.85,
			Description:    "Attempt to read back the system prompt or hidden configuration",
			Patterns: []string{
				`(?is)(reveal|show|print|display|output|repeat|expose)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+(instructions?|configuration)|hidden\s+(instructions?|rules))`,
				`(?is)what\s+(is|are|were)\s+your\s+(system\s+prompt|original\s+instructions?)`,
				`(?is)(repeat|echo)\s+(everything|the\s+text)\s+(above|before\s+this)`,
				`(?is)시스템\s*프롬프트.{0,12}(보여|알려|공개)`,
			},
		},
		{
			ID:             "sig-role-manipulation",
			Category:       models.CategoryRoleManipulation,
			Severity:       models.SeverityHigh,
			ConfidenceBase: 0.70,
			Description:    "Attempt to reassign the assistant's role or persona",
			Patterns: []string{
				`(?is)you\s+are\s+now\s+(a|an|my|the)\b`,
				`(?is)(act|pretend|behave)\s+as\s+(if\s+you\s+(are|were)\s+)?(a|an|the)\b`,
				`(?is)from\s+now\s+on,?\s+you\s+(are|will|must|should)`,
				`(?is)simulate\s+(being|a|an)\b`,
				`(?is)roleplay\s+as\b`,
			},
		},
		{
			ID:             "sig-jailbreak",
			Category:       models.CategoryJailbreak,
			Severity:       models.SeverityCritical,
			ConfidenceBase: 0.90,
			Description:    "Known jailbreak persona or restriction-free mode",
			Patterns: []string{
				`(?is)\bDAN\s+mode\b`,
				`(?is)\bdo\s+anything\s+now\b`,
				`(?is)\bdeveloper\s+mode\b`,
				`(?is)\bjailbreak`,
				`(?is)(without|free\s+of|no)\s+(any\s+)?(restrictions?|limitations?|filters?|censorship)`,
				`(?is)your\s+(safety\s+)?(guidelines|filters?|restrictions?)\s+(do\s+not|don't|no\s+longer)\s+apply`,
			},
		},
		{
			ID:             "sig-privilege-escalation",
			Category:       models.CategoryPrivilegeEscalation,
			Severity:       models.SeverityHigh,
			ConfidenceBase: 0.80,
			Description:    "Attempt to claim elevated permissions",
			Patterns: []string{
				`(?is)\bsudo\s+mode\b`,
				`(?is)(enable|grant|give)\s+(me\s+)?(admin|root|superuser|elevated)\s*(access|mode|privileges?|permissions?)`,
				`(?is)i\s+am\s+(the\s+)?(administrator|developer|your\s+creator|an?\s+openai\s+employee)`,
				`(?is)bypass\s+(the\s+)?(auth|authentication|authorization|permission)s?\b`,
				`(?is)(override|disable)\s+(the\s+)?safety\s+(protocols?|checks?|filters?)`,
			},
		},
		{
			ID:             "sig-encoding",
			Category:       models.CategoryEncoding,
			Severity:       models.SeverityMedium,
			ConfidenceBase: 0.60,
			Description:    "Payload smuggled through an encoding layer",
			Patterns: []string{
				`(?is)(decode|decrypt|deobfuscate)\s+(the\s+following|this)`,
				`(?is)base64\s*:?\s*[A-Za-z0-9+/]{24,}={0,2}`,
				`(?is)\brot13\b`,
				`(?is)(then\s+)?(execute|run|follow)\s+(the\s+)?(decoded|decrypted)\s+(text|instructions?|content)`,
				`(\\u[0-9a-fA-F]{4}){6,}`,
			},
		},
		{
			ID:             "sig-data-extraction",
			Category:       models.CategoryDataExtraction,
			Severity:       models.SeverityHigh,
			ConfidenceBase: 0.75,
			Description:    "Attempt to dump credentials or bulk private data",
			Patterns: []string{
				`(?is)(list|dump|print|show)\s+(all\s+)?(users?|passwords?|secrets?|credentials?|api[-\s]?keys?|tokens?)\b`,
				`(?is)exfiltrate\b`,
				`(?is)(send|post|forward)\s+(this|the\s+(data|conversation|contents?))\s+to\s+https?://`,
				`(?is)(your|the)\s+training\s+data\b.{0,40}(verbatim|word\s+for\s+word|exactly)`,
			},
		},
		{
			ID:             "sig-prompt-termination",
			Category:       models.CategoryInstructionOverride,
			Severity:       models.SeverityHigh,
			ConfidenceBase: 0.70,
			Description:    "Fake prompt boundary injected into the message",
			Patterns: []string{
				`(?is)(end|stop)\s+of\s+(prompt|instructions?|system\s+message)`,
				`-{3,}\s*(end|new|start|system)`,
				`(?is)<\s*/?\s*system\s*>`,
				`(?is)\[\s*system\s*\]`,
				`(?im)^\s*system\s*:`,
			},
		},
	}
}

// PatternClassifier scans text against a compiled signature catalogue.
// Matching is CPU-only and never suspends.
type PatternClassifier struct {
	signatures []signature
}

// NewPatternClassifier compiles the catalogue. Invalid patterns are logged
// and skipped; they never abort loading. A signature whose every pattern
// fails to compile is dropped.
func NewPatternClassifier(specs []SignatureSpec) *PatternClassifier {
	pc := &PatternClassifier{}
	for _, spec := range specs {
		sig := signature{SignatureSpec: spec}
		for _, p := range spec.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				logrus.Warnf("[Signatures] Skipping invalid pattern in %s: %v", spec.ID, err)
				continue
			}
			sig.compiled = append(sig.compiled, re)
		}
		if len(sig.compiled) == 0 {
			logrus.Warnf("[Signatures] Dropping signature %s: no valid patterns", spec.ID)
			continue
		}
		pc.signatures = append(pc.signatures, sig)
	}
	logrus.Infof("[Signatures] Loaded %d signatures (%d pattern specs)", len(pc.signatures), len(specs))
	return pc
}

// Detect returns one threat per unique matched span per signature.
// Confidence = min(1, base + 0.05*(matches-1) + densityBonus). Short texts
// earn a density bonus because a hit in few characters is a stronger signal.
func (pc *PatternClassifier) Detect(text string) []models.Threat {
	if text == "" {
		return nil
	}

	bonus := densityBonus(len(text))
	var threats []models.Threat

	for _, sig := range pc.signatures {
		spans := sig.matchSpans(text)
		if len(spans) == 0 {
			continue
		}

		conf := sig.ConfidenceBase + 0.05*float64(len(spans)-1) + bonus
		if conf > 1.0 {
			conf = 1.0
		}

		for _, span := range spans {
			threats = append(threats, models.Threat{
				Type:        "injection",
				Subtype:     string(sig.Category),
				SourceID:    sig.ID,
				Span:        span,
				Confidence:  conf,
				Severity:    sig.Severity,
				Description: sig.Description,
			})
		}
	}

	threats = append(threats, pc.heuristicThreats(text)...)
	return threats
}

// matchSpans collects the deduplicated, ordered match spans of every
// pattern in the signature.
func (sig *signature) matchSpans(text string) [][2]int {
	seen := make(map[[2]int]bool)
	var spans [][2]int
	for _, re := range sig.compiled {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			span := [2]int{loc[0], loc[1]}
			if !seen[span] {
				seen[span] = true
				spans = append(spans, span)
			}
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] < spans[j][1]
	})
	return spans
}

// heuristicThreats covers payload shapes regexes handle poorly: prompt
// stuffing via repetition and encoded blobs with abnormal character mix.
func (pc *PatternClassifier) heuristicThreats(text string) []models.Threat {
	var threats []models.Threat

	if hasExcessiveRepetition(text) {
		threats = append(threats, models.Threat{
			Type:        "injection",
			Subtype:     string(models.CategoryEncoding),
			SourceID:    "heur-repetition",
			Span:        [2]int{0, len(text)},
			Confidence:  0.55,
			Severity:    models.SeverityLow,
			Description: "Excessive word repetition (possible prompt stuffing)",
		})
	}

	if hasAbnormalCharDistribution(text) {
		threats = append(threats, models.Threat{
			Type:        "injection",
			Subtype:     string(models.CategoryEncoding),
			SourceID:    "heur-chardist",
			Span:        [2]int{0, len(text)},
			Confidence:  0.50,
			Severity:    models.SeverityLow,
			Description: "Abnormal character distribution (possible encoded payload)",
		})
	}

	return threats
}

// densityBonus rewards matches inside short texts.
func densityBonus(textLen int) float64 {
	switch {
	case textLen < 200:
		return 0.05
	case textLen <= 500:
		return 0.03
	default:
		return 0
	}
}

// hasExcessiveRepetition fires when fewer than 30% of the words are unique.
func hasExcessiveRepetition(text string) bool {
	if len(text) < 100 {
		return false
	}
	words := strings.Fields(text)
	if len(words) < 10 {
		return false
	}
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	return float64(len(unique))/float64(len(words)) < 0.3
}

// hasAbnormalCharDistribution fires when special characters outnumber half
// the alphanumerics. Multi-byte letters count as regular characters.
func hasAbnormalCharDistribution(text string) bool {
	if len(text) < 50 {
		return false
	}
	var special, regular int
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r > 127:
			regular++
		default:
			special++
		}
	}
	if regular == 0 {
		return true
	}
	return float64(special)/float64(regular) > 0.5
}

// CatalogueSize reports how many signatures survived compilation.
func (pc *PatternClassifier) CatalogueSize() int {
	return len(pc.signatures)
}

// Describe returns a short identifier list, used by stats endpoints.
func (pc *PatternClassifier) Describe() []string {
	out := make([]string, len(pc.signatures))
	for i, sig := range pc.signatures {
		out[i] = fmt.Sprintf("%s(%s)", sig.ID, sig.Category)
	}
	return out
}
