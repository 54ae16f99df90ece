package main

import (
	"strings"
	"unicode/utf8"
)

// Buffer is the document being typed, with a caret. Only the line holding
// the caret is shown; earlier lines have already scrolled past.
type Buffer struct {
	text []byte
	pos  int // caret byte offset into text
}

// Text returns the whole document.
func (b *Buffer) Text() string { return string(b.text) }

// Offset returns the caret byte offset.
func (b *Buffer) Offset() int { return b.pos }

// Insert inserts s at the caret and moves the caret past it.
func (b *Buffer) Insert(s string) {
	b.text = append(b.text[:b.pos], append([]byte(s), b.text[b.pos:]...)...)
	b.pos += len(s)
}

// Backspace deletes the rune before the caret. It reports whether anything
// was deleted.
func (b *Buffer) Backspace() bool {
	if b.pos == 0 {
		return false
	}
	_, size := prevRune(b.text, b.pos)
	b.text = append(b.text[:b.pos-size], b.text[b.pos:]...)
	b.pos -= size
	return true
}

// Delete deletes the rune after the caret.
func (b *Buffer) Delete() bool {
	if b.pos >= len(b.text) {
		return false
	}
	_, size := utf8.DecodeRune(b.text[b.pos:])
	b.text = append(b.text[:b.pos], b.text[b.pos+size:]...)
	return true
}

// Left moves the caret one rune back, staying on the current line.
func (b *Buffer) Left() bool {
	if b.pos == b.lineStart() {
		return false
	}
	_, size := prevRune(b.text, b.pos)
	b.pos -= size
	return true
}

// Right moves the caret one rune forward, staying on the current line.
func (b *Buffer) Right() bool {
	if b.pos >= b.lineEnd() {
		return false
	}
	_, size := utf8.DecodeRune(b.text[b.pos:])
	b.pos += size
	return true
}

// Home moves the caret to the start of the line.
func (b *Buffer) Home() bool {
	start := b.lineStart()
	moved := b.pos != start
	b.pos = start
	return moved
}

// End moves the caret to the end of the line.
func (b *Buffer) End() bool {
	end := b.lineEnd()
	moved := b.pos != end
	b.pos = end
	return moved
}

// Line returns the caret's line split at the caret.
func (b *Buffer) Line() (before, after string) {
	return string(b.text[b.lineStart():b.pos]), string(b.text[b.pos:b.lineEnd()])
}

// TakeLine removes the caret's line and returns it. Used for commands typed
// into the buffer.
func (b *Buffer) TakeLine() string {
	start, end := b.lineStart(), b.lineEnd()
	line := string(b.text[start:end])
	b.text = append(b.text[:start], b.text[end:]...)
	b.pos = start
	return line
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.text = b.text[:0]
	b.pos = 0
}

func (b *Buffer) lineStart() int {
	return strings.LastIndexByte(string(b.text[:b.pos]), '\n') + 1
}

func (b *Buffer) lineEnd() int {
	if i := strings.IndexByte(string(b.text[b.pos:]), '\n'); i >= 0 {
		return b.pos + i
	}
	return len(b.text)
}

// prevRune returns the rune and byte size of the rune before pos.
func prevRune(buf []byte, pos int) (rune, int) {
	if pos <= 0 {
		return 0, 0
	}
	// Walk back to find the start of the rune
	i := pos - 1
	for i > 0 && !utf8.RuneStart(buf[i]) {
		i--
	}
	r, size := utf8.DecodeRune(buf[i:pos])
	return r, size
}
