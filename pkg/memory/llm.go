package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amielsp/recollect/pkg/providers"
)

const summarySystemPrompt = `You compress conversation transcripts for an assistant's memory.
Merge the existing summary with the new transcript into one updated summary.
Keep decisions, open questions, user goals, and emotional tone. Stay under 200 words.
Reply with the summary text only.`

const episodeSystemPrompt = `You archive finished conversation segments for an assistant's memory.
Given a transcript, reply with a single JSON object:
{"topic": "...", "summary": "...", "key_points": ["..."], "decisions": ["..."], "emotions": ["..."], "user_state": "..."}
No prose outside the JSON.`

const extractSystemPrompt = `You extract durable facts about the user from a conversation transcript.
Reply with a single JSON object: {"facts": [{"node_type": "...", "label": "...", "properties": {}, "confidence": 0.0, "scope": "project"}]}
node_type is one of: preference, work_pattern, blocker, strength, goal, belief, success_pattern.
scope is "global" for facts true of the user everywhere, "project" otherwise.
Only include facts worth remembering for weeks. No prose outside the JSON.`

// NewLLMSummaryFunc returns a SummaryFunc that folds a transcript into the
// existing rolling summary via the completer.
func NewLLMSummaryFunc(completer providers.Completer) SummaryFunc {
	return func(ctx context.Context, existingSummary, transcript string) (string, error) {
		var b strings.Builder
		if strings.TrimSpace(existingSummary) != "" {
			b.WriteString("Existing summary:\n")
			b.WriteString(existingSummary)
			b.WriteString("\n\n")
		}
		b.WriteString("New transcript:\n")
		b.WriteString(transcript)

		resp, err := completer.Complete(ctx, []providers.Message{
			{Role: providers.RoleSystem, Content: summarySystemPrompt},
			{Role: providers.RoleUser, Content: b.String()},
		}, map[string]any{"temperature": 0.2})
		if err != nil {
			return "", fmt.Errorf("summary completion: %w", err)
		}
		out := strings.TrimSpace(resp.Content)
		if out == "" {
			return "", fmt.Errorf("summary completion: empty response")
		}
		return out, nil
	}
}

// LLMEpisodeSummarizer produces structured episode drafts via the completer.
type LLMEpisodeSummarizer struct {
	completer providers.Completer
}

func NewLLMEpisodeSummarizer(completer providers.Completer) *LLMEpisodeSummarizer {
	return &LLMEpisodeSummarizer{completer: completer}
}

func (s *LLMEpisodeSummarizer) SummarizeEpisode(ctx context.Context, msgs []Message) (EpisodeDraft, error) {
	resp, err := s.completer.Complete(ctx, []providers.Message{
		{Role: providers.RoleSystem, Content: episodeSystemPrompt},
		{Role: providers.RoleUser, Content: renderTranscript(msgs)},
	}, map[string]any{"temperature": 0.2})
	if err != nil {
		return EpisodeDraft{}, fmt.Errorf("episode completion: %w", err)
	}

	var draft EpisodeDraft
	if err := unmarshalJSONBlock(resp.Content, &draft); err != nil {
		return EpisodeDraft{}, fmt.Errorf("episode response: %w", err)
	}
	if strings.TrimSpace(draft.Topic) == "" && strings.TrimSpace(draft.Summary) == "" {
		return EpisodeDraft{}, fmt.Errorf("episode response: no topic or summary")
	}
	return draft, nil
}

// LLMFactExtractor pulls knowledge-node candidates out of a transcript via the
// completer. Invalid candidates are filtered downstream.
type LLMFactExtractor struct {
	completer providers.Completer
}

func NewLLMFactExtractor(completer providers.Completer) *LLMFactExtractor {
	return &LLMFactExtractor{completer: completer}
}

func (e *LLMFactExtractor) ExtractFacts(ctx context.Context, msgs []Message) ([]FactCandidate, error) {
	resp, err := e.completer.Complete(ctx, []providers.Message{
		{Role: providers.RoleSystem, Content: extractSystemPrompt},
		{Role: providers.RoleUser, Content: renderTranscript(msgs)},
	}, map[string]any{"temperature": 0.1})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	var payload struct {
		Facts []FactCandidate `json:"facts"`
	}
	if err := unmarshalJSONBlock(resp.Content, &payload); err != nil {
		return nil, fmt.Errorf("extraction response: %w", err)
	}
	return payload.Facts, nil
}

// unmarshalJSONBlock tolerates prose or code fences around the JSON object by
// slicing from the first '{' to the last '}'.
func unmarshalJSONBlock(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}
