// Package compress rewrites oversized prompts before they reach the
// upstream model. Rewrites are deterministic and never touch code blocks.
package compress

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// EstimateTokens approximates the token count as ceil(len/4). The same
// heuristic is used for routing estimates and the compression trigger so
// the two never disagree about request size.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

type phraseRule struct {
	re   *regexp.Regexp
	repl string
}

// Compressor strips filler and redundant phrasing from prompts that exceed
// the configured token threshold.
type Compressor struct {
	threshold int
	fillers   []*regexp.Regexp
	phrases   []phraseRule
	log       *logrus.Entry
}

func New(thresholdTokens int) *Compressor {
	return &Compressor{
		threshold: thresholdTokens,
		fillers:   defaultFillers(),
		phrases:   defaultPhrases(),
		log:       logrus.WithField("component", "compress"),
	}
}

// AddPhrase extends the redundant-phrase table. The phrase is matched
// case-insensitively on word boundaries.
func (c *Compressor) AddPhrase(from, to string) {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`)
	if err != nil {
		c.log.WithError(err).WithField("phrase", from).Warn("[Compress] skipping bad phrase rule")
		return
	}
	c.phrases = append(c.phrases, phraseRule{re: re, repl: to})
}

// Compress rewrites the prompt pair when its combined estimate exceeds the
// threshold, or unconditionally when force is set. Returns the rewritten
// prompts and the tokens saved; inputs come back unchanged when no rewrite
// applies.
func (c *Compressor) Compress(system, user string, force bool) (newSystem, newUser string, tokensSaved int) {
	before := EstimateTokens(system) + EstimateTokens(user)
	if !force && before <= c.threshold {
		return system, user, 0
	}

	newSystem = c.rewrite(system)
	newUser = c.rewrite(user)

	after := EstimateTokens(newSystem) + EstimateTokens(newUser)
	if after >= before {
		// Nothing worth keeping; report the originals so callers
		// never pay tokens for a rewrite that grew the prompt.
		return system, user, 0
	}
	return newSystem, newUser, before - after
}

// rewrite applies the prose transforms between code fences. Fenced segments
// pass through byte-for-byte, fences included.
func (c *Compressor) rewrite(text string) string {
	if text == "" {
		return text
	}
	var out strings.Builder
	segments := strings.Split(text, "```")
	for i, seg := range segments {
		if i > 0 {
			out.WriteString("```")
		}
		if i%2 == 1 {
			// Odd segments sit inside a fence pair. An unbalanced
			// trailing fence also lands here and stays untouched.
			out.WriteString(seg)
			continue
		}
		out.WriteString(c.rewriteProse(seg))
	}
	return out.String()
}

func (c *Compressor) rewriteProse(text string) string {
	text = dropSignature(text)
	for _, f := range c.fillers {
		text = f.ReplaceAllString(text, "")
	}
	for _, p := range c.phrases {
		text = p.re.ReplaceAllString(text, p.repl)
	}
	return collapseWhitespace(text)
}

var (
	spaceRuns = regexp.MustCompile(`[ \t]{2,}`)
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

func collapseWhitespace(text string) string {
	text = spaceRuns.ReplaceAllString(text, " ")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

var signatureMarkers = []string{
	"--",
	"best regards",
	"kind regards",
	"sincerely",
	"cheers,",
	"thanks,",
}

// dropSignature removes a trailing e-mail style signature block: a marker
// line followed by at most four lines at the very end of the text.
func dropSignature(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-5; i-- {
		t := strings.ToLower(strings.TrimSpace(lines[i]))
		for _, marker := range signatureMarkers {
			if t == marker || strings.HasPrefix(t, marker) {
				return strings.Join(lines[:i], "\n")
			}
		}
	}
	return text
}

func defaultFillers() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:could|would) you please\s+`),
		regexp.MustCompile(`(?i)\bplease\s+`),
		regexp.MustCompile(`(?i)\bkindly\s+`),
		regexp.MustCompile(`(?i),?\s*if you don'?t mind\b`),
		regexp.MustCompile(`(?i)\bthank you (?:so much )?in advance[.!]?`),
		regexp.MustCompile(`(?i)\bi would like you to\s+`),
		regexp.MustCompile(`(?i)\bit would be great if you could\s+`),
		regexp.MustCompile(`(?i)\bfeel free to\s+`),
		regexp.MustCompile(`(?i)\bwhen you get a chance,?\s*`),
	}
}

func defaultPhrases() []phraseRule {
	table := []struct{ from, to string }{
		{"in order to", "to"},
		{"due to the fact that", "because"},
		{"at this point in time", "now"},
		{"a large number of", "many"},
		{"in the event that", "if"},
		{"for the purpose of", "to"},
		{"each and every", "every"},
		{"take into consideration", "consider"},
		{"with regard to", "about"},
		{"in the process of", "while"},
	}
	rules := make([]phraseRule, 0, len(table))
	for _, t := range table {
		rules = append(rules, phraseRule{
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t.from) + `\b`),
			repl: t.to,
		})
	}
	return rules
}
