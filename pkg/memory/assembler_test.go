package memory

import (
	"strings"
	"testing"

	"github.com/amielsp/recollect/pkg/providers"
)

func TestAssembler_MessageOrder(t *testing.T) {
	a := NewAssembler(Config{ContextTokenBudget: 10_000})

	msgs := a.BuildMessages(PromptInput{
		SystemPrompt: "You are Companion.",
		LongTerm:     "## What I Know About You\n- prefers mornings",
		MediumTerm:   "## Project Memory\n### Facts\n- repo: monorepo",
		ShortTerm:    "## Recent Messages\nUser: hi",
		UserMessage:  "what's next?",
	})

	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != providers.RoleSystem || msgs[0].Content != "You are Companion." {
		t.Fatalf("system framing must come first, got %#v", msgs[0])
	}
	if msgs[1].Role != providers.RoleUser {
		t.Fatalf("context block must be a user message, got %s", msgs[1].Role)
	}
	if msgs[2].Role != providers.RoleAssistant {
		t.Fatalf("expected acknowledgement, got %#v", msgs[2])
	}
	last := msgs[len(msgs)-1]
	if last.Role != providers.RoleUser || last.Content != "what's next?" {
		t.Fatalf("live user message must come last, got %#v", last)
	}

	block := msgs[1].Content
	long := strings.Index(block, "What I Know About You")
	medium := strings.Index(block, "Project Memory")
	short := strings.Index(block, "Recent Messages")
	if long < 0 || medium < 0 || short < 0 {
		t.Fatalf("missing tier in context block:\n%s", block)
	}
	if !(long < medium && medium < short) {
		t.Fatalf("tiers out of order in context block:\n%s", block)
	}
}

func TestAssembler_EmptyContextSkipsBlock(t *testing.T) {
	a := NewAssembler(Config{})

	msgs := a.BuildMessages(PromptInput{
		SystemPrompt: "You are Companion.",
		UserMessage:  "hello",
	})
	if len(msgs) != 2 {
		t.Fatalf("expected system + user only, got %d messages", len(msgs))
	}
}

func TestAssembler_BudgetTrimsLongTermFirst(t *testing.T) {
	a := NewAssembler(Config{ContextTokenBudget: 60})

	longTerm := strings.Repeat("old episode detail ", 60)
	mediumTerm := "## Project Memory\n- key: value"
	shortTerm := "## Recent Messages\nUser: the live thread"

	msgs := a.BuildMessages(PromptInput{
		LongTerm:    longTerm,
		MediumTerm:  mediumTerm,
		ShortTerm:   shortTerm,
		UserMessage: "go",
	})

	block := msgs[0].Content
	if !strings.Contains(block, "the live thread") {
		t.Fatalf("short-term tier must survive trimming:\n%s", block)
	}
	if strings.Contains(block, longTerm) {
		t.Fatalf("long-term tier should have been trimmed")
	}
	if !strings.Contains(block, "key: value") {
		t.Fatalf("medium-term should outlive long-term under this budget:\n%s", block)
	}
}
