package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// EpisodicMemory is Tier 3: durable episode summaries plus the deduplicated,
// reinforced knowledge-node store.
type EpisodicMemory struct {
	store      Store
	summarizer EpisodeSummarizer
	extractor  FactExtractor
	cfg        Config
	log        *zap.Logger

	// ctxCache keeps GetMemoryContext cheap across consecutive turns of the
	// same (user, project).
	ctxCache *expirable.LRU[string, MemoryContext]
}

func NewEpisodicMemory(store Store, summarizer EpisodeSummarizer, extractor FactExtractor, cfg Config, log *zap.Logger) *EpisodicMemory {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &EpisodicMemory{
		store:      store,
		summarizer: summarizer,
		extractor:  extractor,
		cfg:        cfg,
		log:        log,
		ctxCache:   expirable.NewLRU[string, MemoryContext](cfg.ContextCacheSize, nil, cfg.ContextCacheTTL),
	}
}

// ShouldTriggerEpisodeSummarization reports whether the conversation has
// accumulated enough messages past the latest episode's end.
func (m *EpisodicMemory) ShouldTriggerEpisodeSummarization(ctx context.Context, conversationID string) (bool, error) {
	afterID, err := m.episodeCursor(ctx, conversationID)
	if err != nil {
		return false, err
	}
	count, err := m.store.CountMessagesAfter(ctx, conversationID, afterID)
	if err != nil {
		return false, err
	}
	return count >= m.cfg.EpisodeThreshold, nil
}

func (m *EpisodicMemory) episodeCursor(ctx context.Context, conversationID string) (int64, error) {
	latest, ok, err := m.store.LatestEpisode(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return latest.EndMessageID, nil
}

// CreateEpisodeSummary summarizes the full unsummarized message range into a
// new episode. Returns (nil, nil) when there is nothing to summarize, so
// redundant invocations are harmless. The episode insert is the last write:
// a failure anywhere before it leaves the range pending for the next trigger.
func (m *EpisodicMemory) CreateEpisodeSummary(ctx context.Context, conversationID string) (*Episode, error) {
	state, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	afterID, err := m.episodeCursor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessagesBetween(ctx, conversationID, afterID, 0)
	if err != nil {
		return nil, fmt.Errorf("load episode range: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	if m.summarizer == nil {
		return nil, fmt.Errorf("episode summary: no summarizer configured")
	}
	draft, err := m.summarizer.SummarizeEpisode(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("episode summary: %w", err)
	}

	ep, err := m.store.InsertEpisode(ctx, Episode{
		ConversationID:   conversationID,
		ProjectID:        state.ProjectID,
		UserID:           state.UserID,
		StartMessageID:   msgs[0].ID,
		EndMessageID:     msgs[len(msgs)-1].ID,
		MessageCount:     len(msgs),
		Topic:            strings.TrimSpace(draft.Topic),
		Summary:          strings.TrimSpace(draft.Summary),
		KeyPoints:        draft.KeyPoints,
		DecisionsMade:    draft.Decisions,
		EmotionsDetected: draft.Emotions,
		UserState:        strings.TrimSpace(draft.UserState),
	})
	if err != nil {
		return nil, err
	}

	m.invalidateContext(state.UserID, state.ProjectID)
	_ = m.store.AddMetric(ctx, "memory.episode.created_messages", float64(len(msgs)), map[string]string{
		"conversation_id": conversationID,
	})
	m.log.Debug("episode created",
		zap.String("conversation_id", conversationID),
		zap.Int64("start", ep.StartMessageID),
		zap.Int64("end", ep.EndMessageID))
	return &ep, nil
}

// ExtractKnowledgeFacts runs fact extraction over an episode's message range
// and folds the candidates into the knowledge-node store: an active node with
// the same (user, project-or-global, type, label) is reinforced, otherwise a
// new node is created. Returns every affected node.
func (m *EpisodicMemory) ExtractKnowledgeFacts(ctx context.Context, conversationID, episodeID string) ([]KnowledgeNode, error) {
	ep, err := m.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessagesBetween(ctx, conversationID, ep.StartMessageID-1, ep.EndMessageID)
	if err != nil {
		return nil, fmt.Errorf("load extraction range: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	if m.extractor == nil {
		return nil, fmt.Errorf("fact extraction: no extractor configured")
	}
	candidates, err := m.extractor.ExtractFacts(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("fact extraction: %w", err)
	}

	affected := make([]KnowledgeNode, 0, len(candidates))
	reinforcedCount := 0
	for _, cand := range candidates {
		if !ValidNodeType(cand.Type) || strings.TrimSpace(cand.Label) == "" {
			continue
		}
		confidence := cand.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}
		projectID := ep.ProjectID
		if cand.Scope == ScopeGlobal {
			projectID = ""
		}
		node, reinforced, err := m.store.UpsertKnowledgeNode(ctx, KnowledgeNode{
			UserID:          ep.UserID,
			ProjectID:       projectID,
			Type:            cand.Type,
			Label:           cand.Label,
			Properties:      cand.Properties,
			SourceEpisodeID: ep.ID,
			Confidence:      confidence,
		}, m.cfg.ReinforceStep)
		if err != nil {
			return affected, err
		}
		if reinforced {
			reinforcedCount++
		}
		affected = append(affected, node)
	}

	m.invalidateContext(ep.UserID, ep.ProjectID)
	_ = m.store.AddMetric(ctx, "memory.facts.extracted", float64(len(affected)), map[string]string{
		"conversation_id": conversationID,
	})
	if reinforcedCount > 0 {
		_ = m.store.AddMetric(ctx, "memory.facts.reinforced", float64(reinforcedCount), map[string]string{
			"conversation_id": conversationID,
		})
	}
	return affected, nil
}

// GetMemoryContext returns the latest episodes and top-confidence facts for
// (user, project), with blockers and strengths split out. queryText is
// accepted for future similarity retrieval; ranking today is confidence then
// reinforcement recency.
func (m *EpisodicMemory) GetMemoryContext(ctx context.Context, userID, projectID, queryText string) (MemoryContext, error) {
	_ = queryText

	cacheKey := userID + "|" + projectID
	if mc, ok := m.ctxCache.Get(cacheKey); ok {
		return mc, nil
	}

	episodes, err := m.store.ListRecentEpisodes(ctx, userID, projectID, m.cfg.EpisodeRecall)
	if err != nil {
		return MemoryContext{}, err
	}
	facts, err := m.store.ListActiveNodes(ctx, userID, projectID, m.cfg.FactRecall)
	if err != nil {
		return MemoryContext{}, err
	}

	mc := MemoryContext{RecentEpisodes: episodes, RelevantFacts: facts}
	for _, f := range facts {
		switch f.Type {
		case NodeBlocker:
			mc.Blockers = append(mc.Blockers, f)
		case NodeStrength:
			mc.Strengths = append(mc.Strengths, f)
		}
	}
	m.ctxCache.Add(cacheKey, mc)
	return mc, nil
}

func (m *EpisodicMemory) invalidateContext(userID, projectID string) {
	m.ctxCache.Remove(userID + "|" + projectID)
	// Global facts also feed every other project of the user; dropping the
	// whole cache would be correct too but this stays proportional.
	m.ctxCache.Remove(userID + "|")
}

// FormatMemoryContextForPrompt renders episodes with a relative age label,
// then blockers, strengths, and the remaining facts as labeled sections.
func (m *EpisodicMemory) FormatMemoryContextForPrompt(mc MemoryContext) string {
	var b strings.Builder

	if len(mc.RecentEpisodes) > 0 {
		b.WriteString("## Previous Sessions\n")
		for _, ep := range mc.RecentEpisodes {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", relativeAge(ep.CreatedAtMS), ep.Topic, ep.Summary)
			for _, d := range ep.DecisionsMade {
				fmt.Fprintf(&b, "  - decided: %s\n", d)
			}
		}
		b.WriteString("\n")
	}

	writeNodes := func(heading string, nodes []KnowledgeNode) {
		if len(nodes) == 0 {
			return
		}
		b.WriteString("## ")
		b.WriteString(heading)
		b.WriteString("\n")
		for _, n := range nodes {
			fmt.Fprintf(&b, "- %s\n", n.Label)
		}
		b.WriteString("\n")
	}

	writeNodes("Known Blockers", mc.Blockers)
	writeNodes("Strengths", mc.Strengths)

	rest := make([]KnowledgeNode, 0, len(mc.RelevantFacts))
	for _, f := range mc.RelevantFacts {
		if f.Type == NodeBlocker || f.Type == NodeStrength {
			continue
		}
		rest = append(rest, f)
	}
	if len(rest) > 0 {
		b.WriteString("## What I Know About You\n")
		for _, n := range rest {
			fmt.Fprintf(&b, "- [%s] %s\n", n.Type, n.Label)
		}
	}

	return strings.TrimSpace(b.String())
}

func relativeAge(atMS int64) string {
	days := int(time.Since(time.UnixMilli(atMS)).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "1 day ago"
	default:
		return fmt.Sprintf("%d days ago", days)
	}
}
