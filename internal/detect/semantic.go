package detect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// SampleSearcher is the narrow Knowledge Store view the semantic classifier
// needs. Read failures must be survivable; the classifier treats them as
// empty results.
type SampleSearcher interface {
	FindSimilarByKeywords(ctx context.Context, keywords []string, minOverlap float64, limit int) ([]models.SimilarSample, error)
}

// keywordEntry maps surface variants (including multi-script ones) onto one
// canonical vocabulary token.
type keywordEntry struct {
	canonical string
	category  models.AttackCategory
	variants  []string
}

// vocabulary is the fixed ~40-token attack vocabulary. Variants are the
// derived terms; extraction reports canonical tokens only, so paraphrases
// like "disregard the prior guidance" normalize to the same keyword set as
// "ignore previous instructions".
var vocabulary = []keywordEntry{
	{"ignore", models.CategoryInstructionOverride, []string{"ignore", "disregard", "forget", "무시"}},
	{"override", models.CategoryInstructionOverride, []string{"override", "overrule", "supersede"}},
	{"previous", models.CategoryInstructionOverride, []string{"previous", "prior", "earlier", "above", "이전"}},
	{"instructions", models.CategoryInstructionOverride, []string{"instructions", "instruction", "directives", "directive", "guidance", "orders", "지시", "명령"}},
	{"new", models.CategoryInstructionOverride, []string{"new", "replacement"}},
	{"system", models.CategorySystemExtraction, []string{"system", "시스템"}},
	{"prompt", models.CategorySystemExtraction, []string{"prompt", "prompts", "configuration", "config", "프롬프트"}},
	{"reveal", models.CategorySystemExtraction, []string{"reveal", "show", "expose", "display", "print", "output", "공개"}},
	{"repeat", models.CategorySystemExtraction, []string{"repeat", "echo", "recite"}},
	{"initial", models.CategorySystemExtraction, []string{"initial", "original", "hidden"}},
	{"bypass", models.CategoryJailbreak, []string{"bypass", "circumvent", "evade", "우회"}},
	{"safety", models.CategoryJailbreak, []string{"safety", "guardrails", "guardrail", "안전"}},
	{"filter", models.CategoryJailbreak, []string{"filter", "filters", "filtering", "censorship"}},
	{"restrictions", models.CategoryJailbreak, []string{"restrictions", "restriction", "limitations", "limitation", "limits", "제한"}},
	{"jailbreak", models.CategoryJailbreak, []string{"jailbreak", "jailbroken", "탈옥"}},
	{"dan", models.CategoryJailbreak, []string{"dan"}},
	{"mode", models.CategoryJailbreak, []string{"mode", "모드"}},
	{"developer", models.CategoryPrivilegeEscalation, []string{"developer", "개발자"}},
	{"unrestricted", models.CategoryJailbreak, []string{"unrestricted", "uncensored", "unfiltered"}},
	{"rules", models.CategoryJailbreak, []string{"rules", "rule", "guidelines", "guideline", "규칙"}},
	{"pretend", models.CategoryRoleManipulation, []string{"pretend", "roleplay", "impersonate"}},
	{"act", models.CategoryRoleManipulation, []string{"act", "acting"}},
	{"simulate", models.CategoryRoleManipulation, []string{"simulate", "simulation", "emulate"}},
	{"persona", models.CategoryRoleManipulation, []string{"persona", "character", "역할"}},
	{"admin", models.CategoryPrivilegeEscalation, []string{"admin", "administrator", "관리자"}},
	{"root", models.CategoryPrivilegeEscalation, []string{"root", "superuser"}},
	{"sudo", models.CategoryPrivilegeEscalation, []string{"sudo"}},
	{"privileges", models.CategoryPrivilegeEscalation, []string{"privileges", "privilege", "permissions", "permission", "권한"}},
	{"grant", models.CategoryPrivilegeEscalation, []string{"grant", "elevate", "escalate"}},
	{"secret", models.CategoryDataExtraction, []string{"secret", "secrets", "비밀"}},
	{"password", models.CategoryDataExtraction, []string{"password", "passwords", "passphrase", "비밀번호"}},
	{"credentials", models.CategoryDataExtraction, []string{"credentials", "credential", "keys", "apikey", "token", "tokens"}},
	{"dump", models.CategoryDataExtraction, []string{"dump", "exfiltrate", "extract", "leak"}},
	{"training", models.CategoryDataExtraction, []string{"training", "dataset"}},
	{"decode", models.CategoryEncoding, []string{"decode", "decrypt", "deobfuscate", "디코딩"}},
	{"base64", models.CategoryEncoding, []string{"base64", "b64"}},
	{"rot13", models.CategoryEncoding, []string{"rot13"}},
	{"hex", models.CategoryEncoding, []string{"hex", "hexadecimal"}},
	{"execute", models.CategoryEncoding, []string{"execute", "run", "실행"}},
	{"verbatim", models.CategoryDataExtraction, []string{"verbatim", "word-for-word"}},
}

// highIntentCombos gate the classifier: without at least two tokens from one
// of these sets the keyword hits are treated as casual vocabulary (someone
// merely saying "admin" must not light up the graph).
var highIntentCombos = [][]string{
	{"ignore", "previous", "instructions"},
	{"system", "prompt", "reveal"},
	{"bypass", "safety", "filter"},
	{"jailbreak", "mode", "unrestricted"},
	{"admin", "grant", "privileges"},
	{"decode", "base64", "execute"},
	{"dump", "credentials", "secret"},
}

var wordRunPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// variantIndex is built once from the vocabulary table.
var variantIndex = buildVariantIndex()

func buildVariantIndex() map[string]string {
	idx := make(map[string]string)
	for _, entry := range vocabulary {
		for _, v := range entry.variants {
			idx[v] = entry.canonical
		}
	}
	return idx
}

// KeywordCategory returns the attack category a canonical keyword belongs to.
func KeywordCategory(canonical string) models.AttackCategory {
	for _, entry := range vocabulary {
		if entry.canonical == canonical {
			return entry.category
		}
	}
	return models.CategoryUnknown
}

// VocabularySize reports the number of canonical tokens.
func VocabularySize() int { return len(vocabulary) }

// ExtractKeywords lowercases the text, splits on Unicode letter/digit runs,
// and returns the sorted set of canonical vocabulary tokens present.
func ExtractKeywords(text string) []string {
	runs := wordRunPattern.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]bool)
	var out []string
	for _, run := range runs {
		if canonical, ok := variantIndex[run]; ok && !seen[canonical] {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

// hasHighIntentCombo reports whether the keyword set carries at least two
// tokens of any known high-intent combination.
func hasHighIntentCombo(keywords []string) bool {
	set := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		set[k] = true
	}
	for _, combo := range highIntentCombos {
		hits := 0
		for _, token := range combo {
			if set[token] {
				hits++
			}
		}
		if hits >= 2 {
			return true
		}
	}
	return false
}

// SemanticClassifier matches inputs against stored attack samples by
// keyword overlap. It reports at most one threat per call and never fails
// the scan: store errors degrade to "no threats".
type SemanticClassifier struct {
	searcher   SampleSearcher
	minOverlap float64
	limit      int
}

// Reporting floor: stored samples below this risk are too weak to re-raise.
const semanticMinStoredRisk = 0.7

// NewSemanticClassifier wires the classifier to a sample searcher.
// minOverlap is the store-side overlap floor (shared / |input keywords|).
func NewSemanticClassifier(searcher SampleSearcher, minOverlap float64) *SemanticClassifier {
	if minOverlap <= 0 {
		minOverlap = 0.5
	}
	return &SemanticClassifier{searcher: searcher, minOverlap: minOverlap, limit: 5}
}

// Classify extracts the input's keyword set, gates on high-intent combos,
// then asks the Knowledge Store for overlapping samples. Only matches with
// similarity >= 0.6, stored risk >= 0.7 and >= 3 shared keywords count; the
// best one is reported with confidence min(0.75, sim * storedRisk * 0.9).
func (sc *SemanticClassifier) Classify(ctx context.Context, text string) []models.Threat {
	if sc == nil || sc.searcher == nil {
		return nil
	}

	keywords := ExtractKeywords(text)
	if len(keywords) == 0 || !hasHighIntentCombo(keywords) {
		return nil
	}

	matches, err := sc.searcher.FindSimilarByKeywords(ctx, keywords, sc.minOverlap, sc.limit)
	if err != nil {
		logrus.WithError(err).Warn("[Semantic] Knowledge store query failed, skipping")
		return nil
	}

	var best *models.SimilarSample
	for i := range matches {
		m := &matches[i]
		if m.Similarity < 0.6 || m.Sample.RiskScore < semanticMinStoredRisk || len(m.SharedKeywords) < 3 {
			continue
		}
		if best == nil || m.Similarity > best.Similarity {
			best = m
		}
	}
	if best == nil {
		return nil
	}

	conf := best.Similarity * best.Sample.RiskScore * 0.9
	if conf > 0.75 {
		conf = 0.75
	}

	// Attribution confidence is capped, but the matched sample's stored risk
	// still drives the fused score: a close variant of a known critical
	// attack is as dangerous as the original.
	return []models.Threat{{
		Type:       "injection",
		Subtype:    "graph_rag_" + string(best.Sample.Category),
		SourceID:   best.Sample.SampleID,
		Span:       [2]int{0, len(text)},
		Confidence: conf,
		SourceRisk: best.Sample.RiskScore,
		Severity:   severityForScore(best.Sample.RiskScore),
		Description: fmt.Sprintf("Variant of known attack sample (similarity %.2f, %d shared keywords)",
			best.Similarity, len(best.SharedKeywords)),
	}}
}

// severityForScore maps a probability-like score onto the severity ladder.
func severityForScore(score float64) models.Severity {
	switch {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.8:
		return models.SeverityHigh
	case score >= 0.6:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
