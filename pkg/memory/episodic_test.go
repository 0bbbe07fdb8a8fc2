package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type stubSummarizer struct {
	calls int
}

func (s *stubSummarizer) SummarizeEpisode(ctx context.Context, msgs []Message) (EpisodeDraft, error) {
	s.calls++
	return EpisodeDraft{
		Topic:     fmt.Sprintf("episode %d", s.calls),
		Summary:   fmt.Sprintf("covered %d messages", len(msgs)),
		Decisions: []string{"ship it"},
		UserState: "focused",
	}, nil
}

type stubExtractor struct {
	facts []FactCandidate
}

func (e *stubExtractor) ExtractFacts(ctx context.Context, msgs []Message) ([]FactCandidate, error) {
	return e.facts, nil
}

func newTestEpisodic(t *testing.T, store *SQLiteStore, extractor FactExtractor) *EpisodicMemory {
	t.Helper()
	return NewEpisodicMemory(store, &stubSummarizer{}, extractor, Config{
		EpisodeThreshold: 4,
		EpisodeRecall:    3,
		FactRecall:       10,
	}, nil)
}

func seedConversation(t *testing.T, store *SQLiteStore, convID string, n int) []Message {
	t.Helper()
	if err := store.EnsureConversation(context.Background(), convID, "proj-1", "u1"); err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	msgs := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, appendUserMessage(t, store, convID, fmt.Sprintf("message %d", i)))
	}
	return msgs
}

func TestEpisodicMemory_EpisodesPartitionTheStream(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	em := newTestEpisodic(t, store, &stubExtractor{})

	convID := "conv-ep"
	msgs := seedConversation(t, store, convID, 5)

	due, err := em.ShouldTriggerEpisodeSummarization(ctx, convID)
	if err != nil {
		t.Fatalf("should trigger: %v", err)
	}
	if !due {
		t.Fatalf("expected trigger past threshold")
	}

	first, err := em.CreateEpisodeSummary(ctx, convID)
	if err != nil {
		t.Fatalf("create episode: %v", err)
	}
	if first == nil {
		t.Fatalf("expected an episode")
	}
	if first.StartMessageID != msgs[0].ID || first.EndMessageID != msgs[4].ID {
		t.Fatalf("episode range [%d,%d], want [%d,%d]",
			first.StartMessageID, first.EndMessageID, msgs[0].ID, msgs[4].ID)
	}
	if first.MessageCount != 5 {
		t.Fatalf("expected 5 covered messages, got %d", first.MessageCount)
	}

	// Everything is summarized; an immediate re-run has nothing to do.
	due, err = em.ShouldTriggerEpisodeSummarization(ctx, convID)
	if err != nil {
		t.Fatalf("re-check trigger: %v", err)
	}
	if due {
		t.Fatalf("expected no trigger right after an episode")
	}
	ep, err := em.CreateEpisodeSummary(ctx, convID)
	if err != nil {
		t.Fatalf("redundant create: %v", err)
	}
	if ep != nil {
		t.Fatalf("expected nil episode when nothing is pending")
	}

	// The next episode starts exactly where the last one ended.
	more := make([]Message, 0, 4)
	for i := 0; i < 4; i++ {
		more = append(more, appendUserMessage(t, store, convID, "later"))
	}
	second, err := em.CreateEpisodeSummary(ctx, convID)
	if err != nil {
		t.Fatalf("second episode: %v", err)
	}
	if second.StartMessageID != more[0].ID || second.EndMessageID != more[3].ID {
		t.Fatalf("second episode range [%d,%d], want [%d,%d]",
			second.StartMessageID, second.EndMessageID, more[0].ID, more[3].ID)
	}
	if second.StartMessageID != first.EndMessageID+1 {
		t.Fatalf("episodes must be contiguous: first ends %d, second starts %d",
			first.EndMessageID, second.StartMessageID)
	}
}

func TestEpisodicMemory_FactReinforcement(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	extractor := &stubExtractor{facts: []FactCandidate{
		{Type: NodePreference, Label: "Prefers morning deep work", Confidence: 0.95, Scope: ScopeProject},
		{Type: NodeType("mood"), Label: "ignored invalid type"},
		{Label: ""},
	}}
	em := newTestEpisodic(t, store, extractor)

	convID := "conv-facts"
	seedConversation(t, store, convID, 4)
	ep1, err := em.CreateEpisodeSummary(ctx, convID)
	if err != nil || ep1 == nil {
		t.Fatalf("episode 1: %v", err)
	}
	nodes, err := em.ExtractKnowledgeFacts(ctx, convID, ep1.ID)
	if err != nil {
		t.Fatalf("extract 1: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("invalid candidates must be skipped, got %d nodes", len(nodes))
	}
	if nodes[0].TimesMentioned != 1 || nodes[0].Confidence != 0.95 {
		t.Fatalf("unexpected first node: %#v", nodes[0])
	}

	for i := 0; i < 4; i++ {
		appendUserMessage(t, store, convID, "more")
	}
	ep2, err := em.CreateEpisodeSummary(ctx, convID)
	if err != nil || ep2 == nil {
		t.Fatalf("episode 2: %v", err)
	}
	nodes, err = em.ExtractKnowledgeFacts(ctx, convID, ep2.ID)
	if err != nil {
		t.Fatalf("extract 2: %v", err)
	}
	if nodes[0].TimesMentioned != 2 {
		t.Fatalf("expected reinforcement to 2 mentions, got %d", nodes[0].TimesMentioned)
	}
	if nodes[0].Confidence != 1.0 {
		t.Fatalf("expected confidence capped at 1.0, got %v", nodes[0].Confidence)
	}

	all, err := store.ListActiveNodes(ctx, "u1", "proj-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("repeated extraction must not duplicate nodes, got %d", len(all))
	}
}

func TestEpisodicMemory_GlobalFactsCrossProjects(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	extractor := &stubExtractor{facts: []FactCandidate{
		{Type: NodeStrength, Label: "Writes solid tests", Confidence: 0.8, Scope: ScopeGlobal},
		{Type: NodeBlocker, Label: "Stuck on flaky CI", Confidence: 0.7, Scope: ScopeProject},
	}}
	em := newTestEpisodic(t, store, extractor)

	convID := "conv-global"
	seedConversation(t, store, convID, 4)
	ep, err := em.CreateEpisodeSummary(ctx, convID)
	if err != nil || ep == nil {
		t.Fatalf("episode: %v", err)
	}
	if _, err := em.ExtractKnowledgeFacts(ctx, convID, ep.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}

	// From another project only the global fact is visible.
	other, err := em.GetMemoryContext(ctx, "u1", "proj-other", "")
	if err != nil {
		t.Fatalf("other project context: %v", err)
	}
	if len(other.RelevantFacts) != 1 || other.RelevantFacts[0].Label != "Writes solid tests" {
		t.Fatalf("expected only the global fact, got %#v", other.RelevantFacts)
	}

	home, err := em.GetMemoryContext(ctx, "u1", "proj-1", "")
	if err != nil {
		t.Fatalf("home project context: %v", err)
	}
	if len(home.RelevantFacts) != 2 {
		t.Fatalf("expected both facts in the home project, got %d", len(home.RelevantFacts))
	}
	if len(home.Blockers) != 1 || len(home.Strengths) != 1 {
		t.Fatalf("expected derived blocker and strength views, got %#v", home)
	}

	out := em.FormatMemoryContextForPrompt(home)
	if !strings.Contains(out, "## Previous Sessions") ||
		!strings.Contains(out, "## Known Blockers") ||
		!strings.Contains(out, "## Strengths") {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
}

func TestEpisodicMemory_ContiguityAcrossInterleavedConversations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	em := newTestEpisodic(t, store, &stubExtractor{})

	// Two conversations appending alternately: each one's episodes must still
	// cover its own stream without gaps.
	for _, convID := range []string{"conv-x", "conv-y"} {
		if err := store.EnsureConversation(ctx, convID, "proj-1", "u1"); err != nil {
			t.Fatalf("ensure %s: %v", convID, err)
		}
	}
	for i := 0; i < 4; i++ {
		appendUserMessage(t, store, "conv-x", "x")
		appendUserMessage(t, store, "conv-y", "y")
	}

	first, err := em.CreateEpisodeSummary(ctx, "conv-x")
	if err != nil {
		t.Fatalf("first episode: %v", err)
	}
	if first.StartMessageID != 1 || first.EndMessageID != 4 {
		t.Fatalf("first episode range [%d,%d], want [1,4]", first.StartMessageID, first.EndMessageID)
	}

	for i := 0; i < 4; i++ {
		appendUserMessage(t, store, "conv-y", "y")
		appendUserMessage(t, store, "conv-x", "x")
	}

	second, err := em.CreateEpisodeSummary(ctx, "conv-x")
	if err != nil {
		t.Fatalf("second episode: %v", err)
	}
	if second.StartMessageID != first.EndMessageID+1 {
		t.Fatalf("episodes must be contiguous: first ends %d, second starts %d",
			first.EndMessageID, second.StartMessageID)
	}
	if second.EndMessageID != 8 || second.MessageCount != 4 {
		t.Fatalf("second episode covers [%d,%d] (%d messages), want [5,8] (4)",
			second.StartMessageID, second.EndMessageID, second.MessageCount)
	}

	// The other stream is untouched by conv-x's episodes.
	other, err := em.CreateEpisodeSummary(ctx, "conv-y")
	if err != nil {
		t.Fatalf("conv-y episode: %v", err)
	}
	if other.StartMessageID != 1 || other.EndMessageID != 8 {
		t.Fatalf("conv-y episode range [%d,%d], want [1,8]", other.StartMessageID, other.EndMessageID)
	}
}
