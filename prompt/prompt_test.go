package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/conversation"
)

func TestEstimateWeights(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"twenty letters", strings.Repeat("a", 20), 3},
		{"four digits", "1234", 1},
		{"three digits truncated", "123", 0},
		{"whitespace", "    \n\t\t\t", 2},
		{"punctuation", "{}();", 2},
		{"non-ascii", "日本語", 2},
		{"accented letter is non-ascii", "é", 0},
		{"non-ascii letters cost other", strings.Repeat("é", 10), 7},
		{"ascii letters for comparison", strings.Repeat("e", 10), 1},
		{"unicode space costs other", strings.Repeat("\u00a0", 4), 2},
		{"astral rune counts once", "😀😀", 1},
		{"mixed", "func main() {}", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateMonotonic(t *testing.T) {
	s := "package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println(\"héllo, 世界\", 42) }\n"
	prev := 0
	for i := range s {
		got := Estimate(s[:i])
		if got < prev {
			t.Fatalf("Estimate decreased at byte %d: %d < %d", i, got, prev)
		}
		prev = got
	}
	if full := Estimate(s); full < prev {
		t.Fatalf("full estimate %d below prefix %d", full, prev)
	}
}

func turn(user, assistant string, state conversation.GenerateState) conversation.Turn {
	t := conversation.Turn{User: conversation.UserMessage{
		PromptType: "chat",
		Args:       map[string]string{conversation.ArgText: user},
	}}
	if state != "" {
		t.Assistant = &conversation.AssistantMessage{Content: assistant, State: state}
	}
	return t
}

func TestBuildSinglePendingTurn(t *testing.T) {
	msgs := Build([]conversation.Turn{turn("hello", "", "")}, ModelLimits{MaxInputTokens: 100}, "be brief", nil)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("unexpected system message %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hello" {
		t.Errorf("unexpected user message %+v", msgs[1])
	}
}

func TestBuildNoSystemPrompt(t *testing.T) {
	msgs := Build([]conversation.Turn{turn("hello", "", "")}, ModelLimits{MaxInputTokens: 100}, "", nil)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("expected only user message, got %+v", msgs)
	}
}

func TestBuildChronologicalOrder(t *testing.T) {
	conv := []conversation.Turn{
		turn("q1", "a1", conversation.StateDone),
		turn("q2", "a2", conversation.StateDone),
		turn("q3", "", ""),
	}
	msgs := Build(conv, ModelLimits{MaxInputTokens: 1000}, "", nil)
	want := []Message{
		{"user", "q1"}, {"assistant", "a1"},
		{"user", "q2"}, {"assistant", "a2"},
		{"user", "q3"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(msgs), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestBuildSkipsUnfinishedTurns(t *testing.T) {
	conv := []conversation.Turn{
		turn("q1", "a1", conversation.StateDone),
		turn("q2", "partial", conversation.StateStopped),
		turn("q3", "oops", conversation.StateError),
		turn("q4", "", ""),
		turn("q5", "", ""),
	}
	w := BuildWindow(conv, ModelLimits{MaxInputTokens: 1000}, DefaultRoles, "", nil)
	for _, m := range w.Messages {
		if m.Content == "partial" || m.Content == "oops" || m.Content == "q2" || m.Content == "q4" {
			t.Errorf("unfinished turn leaked into window: %+v", m)
		}
	}
	if w.Included != 2 {
		t.Errorf("expected newest + q1 included, got %d", w.Included)
	}
	if w.Messages[0].Content != "q1" {
		t.Errorf("expected q1 first, got %q", w.Messages[0].Content)
	}
}

func TestBuildOversizedNewestStillIncluded(t *testing.T) {
	big := strings.Repeat("x", 2000) // 300 tokens
	conv := []conversation.Turn{
		turn("q1", "a1", conversation.StateDone),
		turn(big, "", ""),
	}
	w := BuildWindow(conv, ModelLimits{MaxInputTokens: 10}, DefaultRoles, "", nil)
	if len(w.Messages) != 1 || w.Messages[0].Content != big {
		t.Fatalf("expected only the oversized newest message, got %d messages", len(w.Messages))
	}
	if w.Pruned != 1 {
		t.Errorf("expected 1 pruned turn, got %d", w.Pruned)
	}
}

func TestBuildPruningIsContiguous(t *testing.T) {
	// Each history turn costs 3 tokens (20 letters); the small one costs 0.
	long := strings.Repeat("a", 20)
	conv := []conversation.Turn{
		turn("s", "s", conversation.StateDone), // would fit, must still be rejected
		turn(long, "", conversation.StateDone),
		turn(long, "", conversation.StateDone),
		turn(long, "", conversation.StateDone),
		turn("now", "", ""),
	}
	w := BuildWindow(conv, ModelLimits{MaxInputTokens: 7}, DefaultRoles, "", nil)
	// newest costs 0; two 3-token turns fit (6), the third would make 9.
	if w.Included != 3 {
		t.Fatalf("expected 3 turns included, got %d", w.Included)
	}
	if w.Pruned != 2 {
		t.Errorf("expected 2 pruned turns, got %d", w.Pruned)
	}
	for _, m := range w.Messages {
		if m.Content == "s" {
			t.Error("turn older than a rejected turn must not be included")
		}
	}
}

func TestBuildBudgetProperty(t *testing.T) {
	texts := []string{"short", strings.Repeat("word ", 30), "日本語のテキスト", strings.Repeat("9", 40), "x"}
	for budget := 0; budget < 40; budget++ {
		var conv []conversation.Turn
		for i := 0; i < 12; i++ {
			conv = append(conv, turn(texts[i%len(texts)], texts[(i+2)%len(texts)], conversation.StateDone))
		}
		conv = append(conv, turn(texts[budget%len(texts)], "", ""))

		limits := ModelLimits{MaxInputTokens: budget + 1}
		w := BuildWindow(conv, limits, DefaultRoles, "", nil)
		newest := Estimate(TextOnly(conv[len(conv)-1].User))

		history := 0
		for _, t := range conv[len(conv)-w.Included : len(conv)-1] {
			history += EstimateTurn(t, TextOnly)
		}
		if history > limits.MaxInputTokens-newest && w.Included > 1 {
			t.Errorf("budget %d: history cost %d exceeds %d", limits.MaxInputTokens, history, limits.MaxInputTokens-newest)
		}
		if w.Included+w.Pruned != len(conv) {
			t.Errorf("budget %d: included %d + pruned %d != %d turns", limits.MaxInputTokens, w.Included, w.Pruned, len(conv))
		}
		if got := 2*(w.Included-1) + 1; got != len(w.Messages) {
			t.Errorf("budget %d: expected %d messages, got %d", limits.MaxInputTokens, got, len(w.Messages))
		}
	}
}

func TestBuildUsesProfileRoles(t *testing.T) {
	conv := []conversation.Turn{
		turn("q1", "a1", conversation.StateDone),
		turn("q2", "", ""),
	}
	roles := Roles{System: "system", User: "human", Assistant: "model"}
	w := BuildWindow(conv, ModelLimits{}, roles, "sys", nil)
	got := []string{w.Messages[0].Role, w.Messages[1].Role, w.Messages[2].Role, w.Messages[3].Role}
	want := []string{"system", "human", "model", "human"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("role %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCheckInput(t *testing.T) {
	limits := ModelLimits{MaxInputTokens: 5}
	if err := CheckInput("small", limits); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := CheckInput(strings.Repeat("a", 100), limits)
	if quill.KindOf(err) != quill.KindBudget {
		t.Fatalf("expected budget failure, got %v", err)
	}
	if err := CheckInput(strings.Repeat("a", 100), ModelLimits{}); err != nil {
		t.Errorf("expected no limit when MaxInputTokens is zero, got %v", err)
	}
}

func TestCatalogLookup(t *testing.T) {
	c := DefaultCatalog()
	tests := []struct {
		model string
		want  string
	}{
		{"mistralai/codestral-2501", "codestral"},
		{"Codestral-latest", "codestral"},
		{"openai/gpt-4o-mini", "gpt-4o"},
		{"anthropic/claude-sonnet", "claude"},
		{"some/unknown-model", DefaultProfileName},
	}
	for _, tt := range tests {
		if got := c.Lookup(tt.model).Name; got != tt.want {
			t.Errorf("Lookup(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
	if p := c.Lookup("unknown"); p.MaxInputTokens <= 0 || p.TokenLimit < p.MaxInputTokens {
		t.Errorf("default profile has bad limits: %+v", p.ModelLimits)
	}
}

func TestCatalogRender(t *testing.T) {
	c := DefaultCatalog()
	out, err := c.RenderUser("explain", map[string]string{
		conversation.ArgCode:     "x := 1",
		conversation.ArgLanguage: "go",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "```go\nx := 1\n```") {
		t.Errorf("expected fenced code in output, got %q", out)
	}
	if strings.Contains(out, "<no value>") {
		t.Errorf("missing args must render empty, got %q", out)
	}

	if _, err := c.RenderUser("nope", nil); err == nil {
		t.Error("expected error for unknown prompt type")
	}

	sys, err := c.RenderSystem("suggest", nil)
	if err != nil || sys != "" {
		t.Errorf("expected empty system prompt for suggest, got %q, %v", sys, err)
	}
}

func TestRendererFallsBackToText(t *testing.T) {
	r := DefaultCatalog().Renderer()
	got := r(conversation.UserMessage{PromptType: "missing", Args: map[string]string{conversation.ArgText: "raw"}})
	if got != "raw" {
		t.Errorf("expected raw text fallback, got %q", got)
	}
}

func TestLoadCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	override := `
profiles:
  - name: local
    match: ["mistralai/codestral"]
    max_input_tokens: 100
    token_limit: 200
roles:
  assistant: model
prompts:
  chat:
    user: "Q: {{.text}}"
`
	if err := os.WriteFile(path, []byte(override), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	if p := c.Lookup("mistralai/codestral-2501"); p.Name != "local" || p.MaxInputTokens != 100 {
		t.Errorf("expected override profile to win, got %+v", p)
	}
	if c.Roles.Assistant != "model" || c.Roles.User != "user" {
		t.Errorf("unexpected merged roles %+v", c.Roles)
	}
	out, _ := c.RenderUser("chat", map[string]string{"text": "hi"})
	if out != "Q: hi" {
		t.Errorf("expected override template, got %q", out)
	}
	if !c.HasPrompt("explain") {
		t.Error("expected embedded prompts to survive the merge")
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Profiles) == 0 {
		t.Error("expected embedded profiles")
	}
}
