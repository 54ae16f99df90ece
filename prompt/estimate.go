// Package prompt assembles model requests: token estimation, budgeted
// context windows over conversation history, model profiles and prompt
// templates.
package prompt

import "github.com/Paranoid-AF/quill/conversation"

// Per-rune weights in hundredths of a token. Integer accumulation keeps the
// result exact, so appending text can never lower the estimate through
// floating-point drift.
const (
	weightLetter = 15
	weightDigit  = 25
	weightSpace  = 25
	weightASCII  = 50
	weightOther  = 70
)

// Estimate approximates the number of model tokens in text without a real
// tokenizer. Letters, digits and whitespace are classified within the ASCII
// range only: every non-ASCII code point, including letters such as 'é' or
// 'ж' and Unicode spaces, costs weightOther. Weights apply per code point,
// so a character outside the BMP costs weightOther once, not per UTF-16
// unit.
func Estimate(text string) int {
	total := 0
	for _, r := range text {
		total += runeWeight(r)
	}
	return total / 100
}

func runeWeight(r rune) int {
	switch {
	case r >= 128:
		return weightOther
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return weightLetter
	case r >= '0' && r <= '9':
		return weightDigit
	case r == ' ', r == '\t', r == '\n', r == '\r', r == '\v', r == '\f':
		return weightSpace
	default:
		return weightASCII
	}
}

// EstimateTurn returns the combined cost of a turn's rendered user prompt
// and its assistant reply.
func EstimateTurn(t conversation.Turn, render RenderFunc) int {
	cost := Estimate(render(t.User))
	if t.Assistant != nil {
		cost += Estimate(t.Assistant.Content)
	}
	return cost
}
