package cache

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// mapUnchangedLines returns, for every line of oldText that survives unchanged
// into newText, its line number in newText
func mapUnchangedLines(oldText, newText string) map[int]int {
	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(chars1, chars2, false)
	lineDiffs := dmp.DiffCharsToLines(diffs, lineArray)

	moved := make(map[int]int)
	oldLine, newLine := 0, 0
	for _, diff := range lineDiffs {
		n := countLines(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			for i := 0; i < n; i++ {
				moved[oldLine+i] = newLine + i
			}
			oldLine += n
			newLine += n
		case diffmatchpatch.DiffDelete:
			oldLine += n
		case diffmatchpatch.DiffInsert:
			newLine += n
		}
	}
	return moved
}

// countLines counts the lines in a run of whole lines; only the last may lack a newline
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
