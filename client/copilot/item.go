package copilot

import (
	"strings"

	"copilotd/text"
	"copilotd/types"
)

// CreateItem builds the candidate for one finished completion. The range spans
// the cursor line from column 0 to the end of the first line of the full text.
func CreateItem(completion, linePrefix string, pos types.Position) types.Candidate {
	full := linePrefix + completion
	firstLine := full
	if i := strings.IndexByte(full, '\n'); i >= 0 {
		firstLine = full[:i]
	}

	return types.Candidate{
		DisplayText: completion,
		Text:        full,
		Range: types.Range{
			Start: types.Position{Line: pos.Line, Character: 0},
			End:   types.Position{Line: pos.Line, Character: text.UTF16Len(firstLine)},
		},
		Position: pos,
	}
}
