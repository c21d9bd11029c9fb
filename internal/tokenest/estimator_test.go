package tokenest

import (
	"testing"
)

func TestEstimateTextNonZero(t *testing.T) {
	e := New()
	text := "Hello, world! This is a short request body."
	if got := e.EstimateText("gpt-4", text); got == 0 {
		t.Errorf("EstimateText(%q) = 0, want non-zero", text)
	}
}

func TestEstimateTextEmpty(t *testing.T) {
	e := New()
	if got := e.EstimateText("gpt-4", ""); got != 0 {
		t.Errorf("EstimateText(\"\") = %d, want 0", got)
	}
}

func TestEncodingForClaudeModels(t *testing.T) {
	e := New()
	for _, model := range []string{
		"claude-opus-4",
		"claude-sonnet-4",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	} {
		if enc := e.EncodingFor(model); enc != "cl100k_base" {
			t.Errorf("EncodingFor(%q) = %q, want cl100k_base", model, enc)
		}
	}
}

func TestEncodingForO200kModels(t *testing.T) {
	e := New()
	if enc := e.EncodingFor("gpt-4o-mini"); enc != "o200k_base" {
		t.Errorf("EncodingFor(gpt-4o-mini) = %q, want o200k_base", enc)
	}
}

func TestEncodingForUnknownDefaults(t *testing.T) {
	e := New()
	for _, model := range []string{"some-random-model", "llama-3-70b", "mistral-7b"} {
		if enc := e.EncodingFor(model); enc != "cl100k_base" {
			t.Errorf("EncodingFor(%q) = %q, want cl100k_base", model, enc)
		}
	}
}

func TestEncodingForVersionedNames(t *testing.T) {
	e := New()
	for _, model := range []string{
		"claude-opus-4-20250514",
		"claude-sonnet-4-5-20241022",
		"gpt-4o-mini-2024-07-18",
	} {
		if enc := e.EncodingFor(model); enc == "" {
			t.Errorf("EncodingFor(%q) returned empty encoding", model)
		}
	}
}

func TestEstimateMessagesIncludesOverhead(t *testing.T) {
	e := New()
	model := "gpt-4"

	messages := []Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there"},
	}

	rawSum := 0
	for _, msg := range messages {
		rawSum += e.EstimateText(model, msg.Role)
		rawSum += e.EstimateText(model, msg.Content)
	}

	// Framing overhead per message plus reply priming must push the total
	// above the raw content sum.
	if total := e.EstimateMessages(model, messages); total <= rawSum {
		t.Errorf("EstimateMessages = %d, want > %d", total, rawSum)
	}
}

func TestHeuristicTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abcd", 2},
		{"abcdefgh", 3},
	}
	for _, tc := range cases {
		if got := heuristicTokens(tc.text); got != tc.want {
			t.Errorf("heuristicTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}
