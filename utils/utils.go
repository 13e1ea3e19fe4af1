package utils

import (
	"strings"
	"unicode/utf8"
)

// Token estimation constants
const (
	AvgCharsPerToken = 4 // Rough estimate for source code
)

// EstimateCharsFromTokens estimates the number of characters for a given token count
func EstimateCharsFromTokens(tokens int) int {
	return tokens * AvgCharsPerToken
}

// EstimateTokens estimates the token count of s, rounding up
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + AvgCharsPerToken - 1) / AvgCharsPerToken
}

// Window is the result of trimming a prompt around the cursor
type Window struct {
	Prefix  string
	Suffix  string
	Trimmed bool
}

// TrimPromptWindow keeps at most maxPrefixTokens of the prefix (counted back from
// the cursor) and maxSuffixTokens of the suffix (counted forward from it).
// Cuts snap to the nearest line boundary inside the kept text so partial lines
// are not sent; if the window holds no line boundary the raw cut is used.
// A limit of zero or less disables trimming on that side.
func TrimPromptWindow(prefix, suffix string, maxPrefixTokens, maxSuffixTokens int) Window {
	w := Window{Prefix: prefix, Suffix: suffix}

	if maxPrefixTokens > 0 {
		if kept, ok := keepTail(prefix, EstimateCharsFromTokens(maxPrefixTokens)); ok {
			w.Prefix = kept
			w.Trimmed = true
		}
	}
	if maxSuffixTokens > 0 {
		if kept, ok := keepHead(suffix, EstimateCharsFromTokens(maxSuffixTokens)); ok {
			w.Suffix = kept
			w.Trimmed = true
		}
	}
	return w
}

// keepTail returns the last maxChars runes of s, starting at a line boundary when possible
func keepTail(s string, maxChars int) (string, bool) {
	if utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	runes := []rune(s)
	tail := string(runes[len(runes)-maxChars:])
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i+1 < len(tail) {
		tail = tail[i+1:]
	}
	return tail, true
}

// keepHead returns the first maxChars runes of s, ending at a line boundary when possible
func keepHead(s string, maxChars int) (string, bool) {
	if utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	runes := []rune(s)
	head := string(runes[:maxChars])
	if i := strings.LastIndexByte(head, '\n'); i > 0 {
		head = head[:i+1]
	}
	return head, true
}
