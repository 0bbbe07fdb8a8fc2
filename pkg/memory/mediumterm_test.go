package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestMediumTerm(t *testing.T, capacity int) *MediumTermStore {
	t.Helper()
	return NewMediumTermStore(newTestStore(t), Config{MediumTermCapacity: capacity}, nil)
}

func TestMediumTermStore_UpsertByKey(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 30)

	if _, err := mt.SetMemory(ctx, "proj-1", MemoryDecision, "deploy_target", "staging", 5, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	updated, err := mt.SetMemory(ctx, "proj-1", MemoryDecision, "deploy_target", "production", 8, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Value != "production" || updated.Importance != 8 {
		t.Fatalf("expected replaced entry, got %#v", updated)
	}

	entries, err := mt.GetMemories(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after upsert by key, got %d", len(entries))
	}
}

func TestMediumTermStore_CapacityEviction(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 3)

	for i, imp := range []int{4, 2, 6} {
		key := []string{"a", "b", "c"}[i]
		if _, err := mt.SetMemory(ctx, "proj-1", MemoryFact, key, "v", imp, nil); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	// A high-importance write into a full scratchpad evicts the lowest-ranked
	// entry, never the entry just written.
	if _, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "d", "v", 9, nil); err != nil {
		t.Fatalf("set d: %v", err)
	}

	entries, err := mt.GetMemories(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected capacity 3 after prune, got %d", len(entries))
	}
	keys := map[string]bool{}
	for _, e := range entries {
		keys[e.Key] = true
	}
	if keys["b"] {
		t.Fatalf("expected lowest-importance entry b evicted, kept: %v", keys)
	}
	if !keys["d"] {
		t.Fatalf("expected new entry d retained, kept: %v", keys)
	}
	if entries[0].Key != "d" {
		t.Fatalf("expected importance-desc ordering, first was %s", entries[0].Key)
	}
}

func TestMediumTermStore_Validation(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 30)

	cases := []struct {
		name string
		fn   func() error
	}{
		{"empty project", func() error {
			_, err := mt.SetMemory(ctx, "", MemoryFact, "k", "v", 5, nil)
			return err
		}},
		{"bad type", func() error {
			_, err := mt.SetMemory(ctx, "proj-1", MemoryType("vibe"), "k", "v", 5, nil)
			return err
		}},
		{"empty key", func() error {
			_, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "  ", "v", 5, nil)
			return err
		}},
		{"importance too low", func() error {
			_, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "k", "v", 0, nil)
			return err
		}},
		{"importance too high", func() error {
			_, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "k", "v", 11, nil)
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.fn(); !IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	entries, err := mt.GetMemories(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected writes must not persist, got %d entries", len(entries))
	}
}

func TestMediumTermStore_Expiry(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 30)

	past := time.Now().Add(-time.Minute)
	stale, err := mt.SetMemory(ctx, "proj-1", MemoryBlocker, "stale", "gone", 5, &past)
	if err != nil {
		t.Fatalf("set expired: %v", err)
	}
	fresh, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "fresh", "here", 5, nil)
	if err != nil {
		t.Fatalf("set fresh: %v", err)
	}

	// The entry's own TTL check agrees with the store's live filter below.
	now := time.Now().UnixMilli()
	if !stale.Expired(now) {
		t.Fatalf("entry with past TTL must report expired: %#v", stale)
	}
	if fresh.Expired(now) {
		t.Fatalf("entry without TTL must not report expired: %#v", fresh)
	}

	entries, err := mt.GetMemories(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "fresh" {
		t.Fatalf("expected only the unexpired entry, got %#v", entries)
	}

	removed, err := mt.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}

	if err := mt.RemoveMemory(ctx, "proj-1", "stale"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound for swept key, got %v", err)
	}
}

func TestMediumTermStore_FormatForPrompt(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 30)

	seed := []struct {
		typ MemoryType
		key string
	}{
		{MemoryInsight, "late_reviews"},
		{MemoryDecision, "deploy_target"},
		{MemoryFact, "repo_layout"},
	}
	for _, s := range seed {
		if _, err := mt.SetMemory(ctx, "proj-1", s.typ, s.key, "v", 5, nil); err != nil {
			t.Fatalf("set %s: %v", s.key, err)
		}
	}

	entries, err := mt.GetMemories(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out := mt.FormatForPrompt(entries)

	facts := strings.Index(out, "### Facts")
	decisions := strings.Index(out, "### Decisions")
	insights := strings.Index(out, "### Insights")
	if facts < 0 || decisions < 0 || insights < 0 {
		t.Fatalf("missing headings in:\n%s", out)
	}
	if !(facts < decisions && decisions < insights) {
		t.Fatalf("category order wrong in:\n%s", out)
	}
	if strings.Contains(out, "### Blockers") {
		t.Fatalf("empty category rendered in:\n%s", out)
	}
	if !strings.Contains(out, "- deploy_target: v") {
		t.Fatalf("missing entry line in:\n%s", out)
	}
}

func TestMediumTermStore_UpdateImportance(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 30)

	if _, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "repo_layout", "monorepo", 3, nil); err != nil {
		t.Fatalf("set repo_layout: %v", err)
	}
	if _, err := mt.SetMemory(ctx, "proj-1", MemoryFact, "ci_runner", "github actions", 7, nil); err != nil {
		t.Fatalf("set ci_runner: %v", err)
	}

	if err := mt.UpdateImportance(ctx, "proj-1", "repo_layout", 9); err != nil {
		t.Fatalf("update importance: %v", err)
	}

	entries, err := mt.GetMemories(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "repo_layout" {
		t.Fatalf("expected repo_layout ranked first after re-rank, got %#v", entries)
	}
	if entries[0].Importance != 9 || entries[0].Value != "monorepo" {
		t.Fatalf("re-rank must change importance only, got %#v", entries[0])
	}

	for _, bad := range []int{0, 11} {
		if err := mt.UpdateImportance(ctx, "proj-1", "repo_layout", bad); !IsValidation(err) {
			t.Fatalf("importance %d: expected validation error, got %v", bad, err)
		}
	}
	if err := mt.UpdateImportance(ctx, "proj-1", "nope", 5); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound for unknown key, got %v", err)
	}
}

func TestMediumTermStore_GetMemoriesByType(t *testing.T) {
	ctx := context.Background()
	mt := newTestMediumTerm(t, 30)

	seed := []struct {
		typ MemoryType
		key string
		imp int
	}{
		{MemoryFact, "repo_layout", 4},
		{MemoryFact, "ci_runner", 8},
		{MemoryDecision, "deploy_target", 5},
		{MemoryBlocker, "flaky_suite", 5},
	}
	for _, s := range seed {
		if _, err := mt.SetMemory(ctx, "proj-1", s.typ, s.key, "v", s.imp, nil); err != nil {
			t.Fatalf("set %s: %v", s.key, err)
		}
	}

	facts, err := mt.GetMemoriesByType(ctx, "proj-1", MemoryFact)
	if err != nil {
		t.Fatalf("by type facts: %v", err)
	}
	if len(facts) != 2 || facts[0].Key != "ci_runner" || facts[1].Key != "repo_layout" {
		t.Fatalf("expected the 2 facts importance-desc, got %#v", facts)
	}

	decisions, err := mt.GetMemoriesByType(ctx, "proj-1", MemoryDecision)
	if err != nil {
		t.Fatalf("by type decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Key != "deploy_target" {
		t.Fatalf("expected only the decision, got %#v", decisions)
	}

	if _, err := mt.GetMemoriesByType(ctx, "proj-1", MemoryType("vibe")); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestMediumTermStore_EstimateTokens(t *testing.T) {
	mt := newTestMediumTerm(t, 30)

	if got := mt.EstimateTokens(nil); got != 0 {
		t.Fatalf("expected 0 tokens for no entries, got %d", got)
	}

	entries := []MediumTermEntry{
		{Key: "deploy_target", Value: "staging"},
		{Key: "ci_runner", Value: "github actions"},
	}
	one := mt.EstimateTokens(entries[:1])
	two := mt.EstimateTokens(entries)
	if one <= 0 {
		t.Fatalf("expected a positive estimate for one entry, got %d", one)
	}
	if two <= one {
		t.Fatalf("estimate must grow with entries: %d then %d", one, two)
	}
}
