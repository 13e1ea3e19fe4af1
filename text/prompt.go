package text

import (
	"copilotd/types"
)

// Prompt is the text around a cursor, split for a fill-in-the-middle request
type Prompt struct {
	Prefix     string // everything strictly before the cursor
	Suffix     string // everything from the cursor to the end
	LinePrefix string // the cursor line from column 0 up to the cursor
	Offset     int    // rune offset of the cursor
}

// Extract splits the buffer at pos. It fails with types.ErrInvalidPosition
// when pos lies outside the buffer and never panics.
func Extract(b *Buffer, pos types.Position) (Prompt, error) {
	offset, err := b.OffsetAt(pos)
	if err != nil {
		return Prompt{}, err
	}

	lineStart, _ := b.lineBounds(pos.Line)
	return Prompt{
		Prefix:     b.Slice(0, offset),
		Suffix:     b.Slice(offset, b.Len()),
		LinePrefix: b.Slice(lineStart, offset),
		Offset:     offset,
	}, nil
}

// Context fills a types.PromptContext for the given document
func (p Prompt) Context(documentID, language string, pos types.Position) types.PromptContext {
	return types.PromptContext{
		DocumentID: documentID,
		Language:   language,
		Position:   pos,
		Prefix:     p.Prefix,
		Suffix:     p.Suffix,
		LinePrefix: p.LinePrefix,
	}
}
