package text

import (
	"fmt"
	"unicode/utf16"

	"copilotd/types"
)

// Buffer is an immutable document text indexed by line. Offsets are rune
// (Unicode scalar value) indices. Edits never mutate a Buffer; a new one is
// built instead, so snapshots can be shared freely between goroutines.
type Buffer struct {
	text       string
	runes      []rune
	lineStarts []int // rune offset of the first rune of every line
}

// NewBuffer builds a Buffer from s
func NewBuffer(s string) *Buffer {
	runes := []rune(s)
	lineStarts := make([]int, 1, 64)
	for i, r := range runes {
		if r == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}
	return &Buffer{
		text:       s,
		runes:      runes,
		lineStarts: lineStarts,
	}
}

// String returns the full text
func (b *Buffer) String() string { return b.text }

// Len returns the number of runes in the buffer
func (b *Buffer) Len() int { return len(b.runes) }

// LineCount returns the number of lines. An empty buffer has one empty line,
// and a trailing newline opens a final empty line.
func (b *Buffer) LineCount() int { return len(b.lineStarts) }

// lineBounds returns the rune offsets of the start and end of line, excluding its newline
func (b *Buffer) lineBounds(line int) (start, end int) {
	start = b.lineStarts[line]
	if line+1 < b.LineCount() {
		end = b.lineStarts[line+1] - 1
	} else {
		end = len(b.runes)
	}
	return start, end
}

// Slice returns the text between two rune offsets, clamped to the buffer
func (b *Buffer) Slice(start, end int) string {
	start = max(0, min(start, len(b.runes)))
	end = max(start, min(end, len(b.runes)))
	return string(b.runes[start:end])
}

// OffsetAt converts an editor position to a rune offset. The column is counted
// in UTF-16 code units and may point at the end of the line but not past it,
// nor into the middle of a surrogate pair.
func (b *Buffer) OffsetAt(pos types.Position) (int, error) {
	if pos.Line < 0 || pos.Line >= b.LineCount() {
		return 0, fmt.Errorf("%w: line %d outside document of %d lines", types.ErrInvalidPosition, pos.Line, b.LineCount())
	}
	if pos.Character < 0 {
		return 0, fmt.Errorf("%w: negative character %d", types.ErrInvalidPosition, pos.Character)
	}

	start, end := b.lineBounds(pos.Line)
	units := 0
	offset := start
	for units < pos.Character {
		if offset >= end {
			return 0, fmt.Errorf("%w: character %d past end of line %d", types.ErrInvalidPosition, pos.Character, pos.Line)
		}
		units += runeUnits(b.runes[offset])
		offset++
	}
	if units != pos.Character {
		return 0, fmt.Errorf("%w: character %d splits a surrogate pair on line %d", types.ErrInvalidPosition, pos.Character, pos.Line)
	}
	return offset, nil
}

// UTF16Len returns the length of s in UTF-16 code units
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
