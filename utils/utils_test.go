package utils

import (
	"strings"
	"testing"

	"copilotd/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""), "empty")
	assert.Equal(t, 1, EstimateTokens("abc"), "rounds up")
	assert.Equal(t, 2, EstimateTokens("abcdefgh"), "exact multiple")
	assert.Equal(t, 1, EstimateTokens("😀😀"), "counts runes, not bytes")
}

func TestEstimateCharsFromTokens(t *testing.T) {
	assert.Equal(t, 40, EstimateCharsFromTokens(10), "chars per token")
}

func TestTrimPromptWindow_SmallPromptUntouched(t *testing.T) {
	w := TrimPromptWindow("func main() {\n\t", "\n}\n", 100, 100)

	assert.False(t, w.Trimmed, "nothing trimmed")
	assert.Equal(t, "func main() {\n\t", w.Prefix, "prefix")
	assert.Equal(t, "\n}\n", w.Suffix, "suffix")
}

func TestTrimPromptWindow_DisabledLimits(t *testing.T) {
	long := strings.Repeat("x", 1000)
	w := TrimPromptWindow(long, long, 0, -1)

	assert.False(t, w.Trimmed, "limits disabled")
	assert.Equal(t, 1000, len(w.Prefix), "prefix kept")
	assert.Equal(t, 1000, len(w.Suffix), "suffix kept")
}

func TestTrimPromptWindow_PrefixKeepsTailOnLineBoundary(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "line of code"
	}
	prefix := strings.Join(lines, "\n") + "\n\tcursor"

	w := TrimPromptWindow(prefix, "", 10, 0)

	assert.True(t, w.Trimmed, "trimmed")
	assert.True(t, strings.HasSuffix(w.Prefix, "\tcursor"), "text next to the cursor kept")
	assert.True(t, strings.HasPrefix(w.Prefix, "line of code"), "starts at a line boundary")
	assert.True(t, len([]rune(w.Prefix)) <= EstimateCharsFromTokens(10), "within budget")
}

func TestTrimPromptWindow_SuffixKeepsHeadOnLineBoundary(t *testing.T) {
	suffix := ")\n" + strings.Repeat("more code here\n", 40)

	w := TrimPromptWindow("", suffix, 0, 10)

	assert.True(t, w.Trimmed, "trimmed")
	assert.True(t, strings.HasPrefix(w.Suffix, ")\n"), "text next to the cursor kept")
	assert.True(t, strings.HasSuffix(w.Suffix, "\n"), "ends at a line boundary")
	assert.True(t, len([]rune(w.Suffix)) <= EstimateCharsFromTokens(10), "within budget")
}

func TestTrimPromptWindow_NoLineBoundaryUsesRawCut(t *testing.T) {
	prefix := strings.Repeat("é", 100)

	w := TrimPromptWindow(prefix, "", 5, 0)

	assert.True(t, w.Trimmed, "trimmed")
	assert.Equal(t, 20, len([]rune(w.Prefix)), "cut on rune boundary")
}
