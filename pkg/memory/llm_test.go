package memory

import (
	"context"
	"testing"

	"github.com/amielsp/recollect/pkg/providers"
)

func fixedCompleter(content string) providers.Completer {
	return providers.CompleterFunc(func(ctx context.Context, messages []providers.Message, options map[string]any) (*providers.LLMResponse, error) {
		return &providers.LLMResponse{Content: content}, nil
	})
}

func TestLLMEpisodeSummarizer_ToleratesFencedJSON(t *testing.T) {
	s := NewLLMEpisodeSummarizer(fixedCompleter("```json\n" +
		`{"topic":"retro","summary":"looked back","decisions":["keep pairing"]}` + "\n```"))

	draft, err := s.SummarizeEpisode(context.Background(), []Message{{Sender: SenderUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if draft.Topic != "retro" || len(draft.Decisions) != 1 {
		t.Fatalf("unexpected draft: %#v", draft)
	}
}

func TestLLMEpisodeSummarizer_RejectsNonJSON(t *testing.T) {
	s := NewLLMEpisodeSummarizer(fixedCompleter("I'd rather chat about something else."))
	if _, err := s.SummarizeEpisode(context.Background(), []Message{{Sender: SenderUser, Content: "hi"}}); err == nil {
		t.Fatalf("expected parse failure to surface as an error")
	}
}

func TestLLMFactExtractor_ParsesCandidates(t *testing.T) {
	e := NewLLMFactExtractor(fixedCompleter(
		`Here you go: {"facts":[{"node_type":"goal","label":"Ship v2 by October","confidence":0.7,"scope":"global"}]}`))

	facts, err := e.ExtractFacts(context.Background(), []Message{{Sender: SenderUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(facts) != 1 || facts[0].Type != NodeGoal || facts[0].Scope != ScopeGlobal {
		t.Fatalf("unexpected facts: %#v", facts)
	}
}

func TestLLMSummaryFunc_EmptyResponseIsError(t *testing.T) {
	fn := NewLLMSummaryFunc(fixedCompleter("   "))
	if _, err := fn(context.Background(), "old", "User: hi"); err == nil {
		t.Fatalf("expected empty completion to be an error")
	}
}
