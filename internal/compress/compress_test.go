package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestCompressBelowThresholdIsNoop(t *testing.T) {
	c := New(1000)

	system, user, saved := c.Compress("be concise", "please tell me the time", false)
	assert.Equal(t, "be concise", system)
	assert.Equal(t, "please tell me the time", user)
	assert.Equal(t, 0, saved)
}

func TestCompressStripsFillersAndPhrases(t *testing.T) {
	c := New(0)

	_, user, saved := c.Compress("", "Could you please review this in order to find bugs, thank you in advance.", true)

	assert.NotContains(t, strings.ToLower(user), "could you please")
	assert.NotContains(t, strings.ToLower(user), "in order to")
	assert.Contains(t, user, "review this to find bugs")
	assert.Greater(t, saved, 0)
}

func TestCompressPreservesCodeFences(t *testing.T) {
	c := New(0)
	code := "```go\nfunc main() {\n\t// please keep   these    spaces\n}\n```"
	user := "Please   review   the following in order to find bugs:\n\n\n\n" + code + "\n\nthank you in advance"

	_, out, saved := c.Compress("", user, true)

	assert.Contains(t, out, code, "fenced block must survive byte-for-byte")
	assert.Greater(t, saved, 0)
}

func TestCompressIsDeterministic(t *testing.T) {
	c := New(0)
	system := "You are a helpful assistant. Please be thorough each and every time."
	user := "Kindly analyze this due to the fact that it fails.\n\n\nBest regards,\nAlice"

	s1, u1, v1 := c.Compress(system, user, true)
	s2, u2, v2 := c.Compress(system, user, true)

	assert.Equal(t, s1, s2)
	assert.Equal(t, u1, u2)
	assert.Equal(t, v1, v2)
}

func TestCompressDropsTrailingSignature(t *testing.T) {
	c := New(0)
	user := "Summarize the attached report.\n\nBest regards,\nAlice Kim\nACME Corp"

	_, out, _ := c.Compress("", user, true)

	assert.NotContains(t, out, "Best regards")
	assert.NotContains(t, out, "ACME Corp")
	assert.Contains(t, out, "Summarize the attached report.")
}

func TestCompressNeverGrowsPrompt(t *testing.T) {
	c := New(0)

	// Nothing here matches a rewrite rule.
	system := "terse system"
	user := "x"
	s, u, saved := c.Compress(system, user, true)

	assert.Equal(t, system, s)
	assert.Equal(t, user, u)
	assert.Equal(t, 0, saved)

	before := EstimateTokens(system) + EstimateTokens(user)
	after := EstimateTokens(s) + EstimateTokens(u)
	require.LessOrEqual(t, after, before)
}

func TestCompressSavedMatchesEstimates(t *testing.T) {
	c := New(0)
	system := "You are an assistant.   Please    answer  briefly."
	user := "In order to proceed, please summarize each and every section, thank you in advance."

	s, u, saved := c.Compress(system, user, true)

	before := EstimateTokens(system) + EstimateTokens(user)
	after := EstimateTokens(s) + EstimateTokens(u)
	assert.Equal(t, before-after, saved)
	assert.Greater(t, saved, 0)
}

func TestUnbalancedFencePreservedVerbatim(t *testing.T) {
	c := New(0)
	user := "Please check:\n```python\nprint('hi')\n# no closing fence, please  keep   this"

	_, out, _ := c.Compress("", user, true)

	assert.Contains(t, out, "```python\nprint('hi')\n# no closing fence, please  keep   this")
}
