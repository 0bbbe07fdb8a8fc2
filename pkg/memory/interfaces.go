package memory

import "context"

// Store provides durable persistence for all memory tiers.
type Store interface {
	Close() error

	EnsureConversation(ctx context.Context, conversationID, projectID, userID string) error
	GetConversation(ctx context.Context, conversationID string) (SummaryState, error)
	// AdvanceSummaryCursor replaces the rolling summary and moves the cursor.
	// The cursor only ever moves forward; a stale cursor value is ignored.
	AdvanceSummaryCursor(ctx context.Context, conversationID string, cursor int64, coveredCount int, summary string) error

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListMessagesBetween returns messages with afterID < id <= throughID in
	// ascending order. throughID <= 0 means no upper bound.
	ListMessagesBetween(ctx context.Context, conversationID string, afterID, throughID int64) ([]Message, error)
	CountMessagesAfter(ctx context.Context, conversationID string, afterID int64) (int, error)

	UpsertMediumTerm(ctx context.Context, entry MediumTermEntry) (MediumTermEntry, error)
	DeleteMediumTerm(ctx context.Context, projectID, key string) error
	SetMediumTermImportance(ctx context.Context, projectID, key string, importance int) error
	ListMediumTerm(ctx context.Context, projectID string) ([]MediumTermEntry, error)
	ListMediumTermByType(ctx context.Context, projectID string, memType MemoryType) ([]MediumTermEntry, error)
	PruneMediumTerm(ctx context.Context, projectID string, capacity int) (int, error)
	DeleteExpiredMediumTerm(ctx context.Context) (int, error)

	InsertEpisode(ctx context.Context, ep Episode) (Episode, error)
	GetEpisode(ctx context.Context, episodeID string) (Episode, error)
	LatestEpisode(ctx context.Context, conversationID string) (Episode, bool, error)
	ListRecentEpisodes(ctx context.Context, userID, projectID string, limit int) ([]Episode, error)

	// UpsertKnowledgeNode inserts a new node, or reinforces the active node
	// matching (userID, projectID, type, normalized label): mention count +1,
	// confidence raised by reinforceStep capped at 1.0. The bool result
	// reports whether an existing node was reinforced.
	UpsertKnowledgeNode(ctx context.Context, node KnowledgeNode, reinforceStep float64) (KnowledgeNode, bool, error)
	ListActiveNodes(ctx context.Context, userID, projectID string, limit int) ([]KnowledgeNode, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RescheduleJob(ctx context.Context, id, errMsg string, runAfterMS int64) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// SummaryFunc merges an existing rolling summary with a transcript of newly
// summarized messages into a fresh synthesis.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)

// EpisodeSummarizer produces a structured episode draft for a message range.
type EpisodeSummarizer interface {
	SummarizeEpisode(ctx context.Context, msgs []Message) (EpisodeDraft, error)
}

// FactExtractor produces candidate semantic facts from a message range.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, msgs []Message) ([]FactCandidate, error)
}
