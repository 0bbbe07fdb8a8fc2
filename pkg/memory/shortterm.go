package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ShortTermMemory is Tier 1: the rolling window of verbatim recent messages
// plus one compacted running summary per conversation.
type ShortTermMemory struct {
	store     Store
	summarize SummaryFunc
	cfg       Config
	log       *zap.Logger
}

func NewShortTermMemory(store Store, summarize SummaryFunc, cfg Config, log *zap.Logger) *ShortTermMemory {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShortTermMemory{store: store, summarize: summarize, cfg: cfg.withDefaults(), log: log}
}

// GetContext returns the most recent messages in chronological order plus the
// current rolling summary. limit <= 0 uses the configured recent window.
// Read-only; the conversation cannot proceed without this, so errors propagate.
func (m *ShortTermMemory) GetContext(ctx context.Context, conversationID string, limit int) (ShortTermContext, error) {
	if limit <= 0 {
		limit = m.cfg.RecentWindow
	}
	state, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ShortTermContext{}, err
	}
	msgs, err := m.store.ListRecentMessages(ctx, conversationID, limit)
	if err != nil {
		return ShortTermContext{}, fmt.Errorf("short-term context: %w", err)
	}
	return ShortTermContext{
		RecentMessages: msgs,
		Summary:        state.RollingSummary,
		TokenEstimate:  estimateTextTokens(state.RollingSummary) + estimateMessagesTokens(msgs),
	}, nil
}

// UpdateSummaryIfNeeded folds messages older than the retained recent window
// into the rolling summary once the unsummarized backlog crosses the
// threshold. The cursor advances only after a successful summarization, so a
// failed summarizer call leaves the same range pending for the next attempt.
// Returns true when the summary advanced.
func (m *ShortTermMemory) UpdateSummaryIfNeeded(ctx context.Context, conversationID string) (bool, error) {
	state, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}

	pending := state.MessageCount - state.MessageCountAtLastSummary
	if pending < m.cfg.SummaryThreshold {
		return false, nil
	}

	msgs, err := m.store.ListMessagesBetween(ctx, conversationID, state.LastSummarizedMessageID, 0)
	if err != nil {
		return false, fmt.Errorf("load unsummarized messages: %w", err)
	}
	if len(msgs) <= m.cfg.SummaryKeepRecent {
		return false, nil
	}

	fold := msgs[:len(msgs)-m.cfg.SummaryKeepRecent]
	boundary := fold[len(fold)-1].ID

	if m.summarize == nil {
		return false, fmt.Errorf("short-term summary: no summarizer configured")
	}
	merged, err := m.summarize(ctx, state.RollingSummary, renderTranscript(fold))
	if err != nil {
		// Fail closed: the cursor stays put and the next invocation retries
		// the same range.
		return false, fmt.Errorf("short-term summary: %w", err)
	}

	covered := state.MessageCountAtLastSummary + len(fold)
	if err := m.store.AdvanceSummaryCursor(ctx, conversationID, boundary, covered, strings.TrimSpace(merged)); err != nil {
		return false, err
	}

	_ = m.store.AddMetric(ctx, "memory.shortterm.folded_messages", float64(len(fold)), map[string]string{
		"conversation_id": conversationID,
	})
	m.log.Debug("rolling summary advanced",
		zap.String("conversation_id", conversationID),
		zap.Int64("cursor", boundary),
		zap.Int("folded", len(fold)))
	return true, nil
}

// FormatForPrompt renders the summary, when present, followed by the verbatim
// recent messages attributed to their senders.
func (m *ShortTermMemory) FormatForPrompt(sc ShortTermContext) string {
	var b strings.Builder
	if strings.TrimSpace(sc.Summary) != "" {
		b.WriteString("## Conversation So Far\n")
		b.WriteString(strings.TrimSpace(sc.Summary))
		b.WriteString("\n\n")
	}
	if len(sc.RecentMessages) > 0 {
		b.WriteString("## Recent Messages\n")
		b.WriteString(renderTranscript(sc.RecentMessages))
	}
	return strings.TrimSpace(b.String())
}

func renderTranscript(msgs []Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		b.WriteString(senderLabel(msg.Sender))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func senderLabel(s SenderType) string {
	switch s {
	case SenderUser:
		return "User"
	case SenderPersona:
		return "Assistant"
	default:
		return "System"
	}
}
