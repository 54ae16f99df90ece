package prompt

import quill "github.com/Paranoid-AF/quill"

// CheckInput rejects text whose estimated cost exceeds the model's input
// budget. It must run before any session is started for the text.
func CheckInput(text string, limits ModelLimits) error {
	if limits.MaxInputTokens <= 0 {
		return nil
	}
	if n := Estimate(text); n > limits.MaxInputTokens {
		return quill.Fail(quill.KindBudget,
			"input is too large for the model: about %d tokens, limit %d", n, limits.MaxInputTokens)
	}
	return nil
}
