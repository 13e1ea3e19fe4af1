package editor

import "copilotd/types"

// Payload converts a result into the plain table handed to Lua.
// Keys follow the JSON names of the result types.
func Payload(res types.Result) map[string]any {
	completions := make([]any, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		completions = append(completions, map[string]any{
			"displayText": c.DisplayText,
			"text":        c.Text,
			"range": map[string]any{
				"start": position(c.Range.Start),
				"end":   position(c.Range.End),
			},
			"position": position(c.Position),
		})
	}
	out := map[string]any{"completions": completions}
	if res.CancellationReason != "" {
		out["cancellationReason"] = res.CancellationReason
	}
	return out
}

func position(p types.Position) map[string]any {
	return map[string]any{"line": p.Line, "character": p.Character}
}
