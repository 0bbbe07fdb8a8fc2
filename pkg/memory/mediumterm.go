package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MediumTermStore is Tier 2: a capacity-bounded, importance-ranked key/value
// scratchpad per project.
type MediumTermStore struct {
	store Store
	cfg   Config
	log   *zap.Logger
}

func NewMediumTermStore(store Store, cfg Config, log *zap.Logger) *MediumTermStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MediumTermStore{store: store, cfg: cfg.withDefaults(), log: log}
}

// SetMemory validates and upserts one scratchpad entry by (projectID, key),
// then prunes the project back to capacity. expiresAt nil means no expiry.
func (m *MediumTermStore) SetMemory(ctx context.Context, projectID string, memType MemoryType, key, value string, importance int, expiresAt *time.Time) (MediumTermEntry, error) {
	if strings.TrimSpace(projectID) == "" {
		return MediumTermEntry{}, validationErr("project_id", "must not be empty")
	}
	if !ValidMemoryType(memType) {
		return MediumTermEntry{}, validationErr("memory_type", "unknown type %q", memType)
	}
	if strings.TrimSpace(key) == "" {
		return MediumTermEntry{}, validationErr("key", "must not be empty")
	}
	if importance < 1 || importance > 10 {
		return MediumTermEntry{}, validationErr("importance", "%d outside [1,10]", importance)
	}

	var expiresMS int64
	if expiresAt != nil {
		expiresMS = expiresAt.UnixMilli()
	}
	entry, err := m.store.UpsertMediumTerm(ctx, MediumTermEntry{
		ProjectID:   projectID,
		Type:        memType,
		Key:         key,
		Value:       value,
		Importance:  importance,
		ExpiresAtMS: expiresMS,
	})
	if err != nil {
		return MediumTermEntry{}, err
	}

	if _, err := m.PruneIfNeeded(ctx, projectID); err != nil {
		// The write itself succeeded; over-capacity is transient until the
		// next prune runs.
		m.log.Warn("medium-term prune failed", zap.String("project_id", projectID), zap.Error(err))
	}
	return entry, nil
}

// RemoveMemory deletes one entry by key. ErrEntryNotFound when absent.
func (m *MediumTermStore) RemoveMemory(ctx context.Context, projectID, key string) error {
	if strings.TrimSpace(key) == "" {
		return validationErr("key", "must not be empty")
	}
	return m.store.DeleteMediumTerm(ctx, projectID, key)
}

// UpdateImportance re-ranks one entry without touching its value.
func (m *MediumTermStore) UpdateImportance(ctx context.Context, projectID, key string, importance int) error {
	if importance < 1 || importance > 10 {
		return validationErr("importance", "%d outside [1,10]", importance)
	}
	return m.store.SetMediumTermImportance(ctx, projectID, key, importance)
}

// PruneIfNeeded deletes the lowest-importance (ties: oldest) live entries in
// excess of the configured capacity. Greedy and deterministic.
func (m *MediumTermStore) PruneIfNeeded(ctx context.Context, projectID string) (int, error) {
	removed, err := m.store.PruneMediumTerm(ctx, projectID, m.cfg.MediumTermCapacity)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		_ = m.store.AddMetric(ctx, "memory.mediumterm.pruned", float64(removed), map[string]string{
			"project_id": projectID,
		})
	}
	return removed, nil
}

// GetMemories returns live entries ordered by importance desc, then recency.
func (m *MediumTermStore) GetMemories(ctx context.Context, projectID string) ([]MediumTermEntry, error) {
	return m.store.ListMediumTerm(ctx, projectID)
}

// GetMemoriesByType is GetMemories restricted to one category.
func (m *MediumTermStore) GetMemoriesByType(ctx context.Context, projectID string, memType MemoryType) ([]MediumTermEntry, error) {
	if !ValidMemoryType(memType) {
		return nil, validationErr("memory_type", "unknown type %q", memType)
	}
	return m.store.ListMediumTermByType(ctx, projectID, memType)
}

// CleanupExpired removes every expired entry across all projects.
func (m *MediumTermStore) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := m.store.DeleteExpiredMediumTerm(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.log.Debug("expired medium-term entries removed", zap.Int("count", removed))
	}
	return removed, nil
}

var memoryTypeHeadings = map[MemoryType]string{
	MemoryFact:       "Facts",
	MemoryDecision:   "Decisions",
	MemoryBlocker:    "Blockers",
	MemoryPreference: "Preferences",
	MemoryInsight:    "Insights",
}

// FormatForPrompt groups entries by category in a fixed order, one bulleted
// "key: value" line each. Empty categories are omitted.
func (m *MediumTermStore) FormatForPrompt(entries []MediumTermEntry) string {
	if len(entries) == 0 {
		return ""
	}
	byType := map[MemoryType][]MediumTermEntry{}
	for _, e := range entries {
		byType[e.Type] = append(byType[e.Type], e)
	}

	var b strings.Builder
	b.WriteString("## Project Memory\n")
	for _, t := range memoryTypeOrder {
		group := byType[t]
		if len(group) == 0 {
			continue
		}
		b.WriteString("### ")
		b.WriteString(memoryTypeHeadings[t])
		b.WriteString("\n")
		for _, e := range group {
			fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Value)
		}
	}
	return strings.TrimSpace(b.String())
}

// EstimateTokens is a deterministic monitoring heuristic over keys, values and
// rendering overhead. Not used for enforcement.
func (m *MediumTermStore) EstimateTokens(entries []MediumTermEntry) int {
	chars := 0
	for _, e := range entries {
		chars += len(e.Key) + len(e.Value) + perMessageOverhead
	}
	return chars / tokenCharRatio
}
