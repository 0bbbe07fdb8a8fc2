package memory

import "time"

// SenderType identifies who produced a conversation message.
type SenderType string

const (
	SenderUser    SenderType = "user"
	SenderPersona SenderType = "persona"
	SenderSystem  SenderType = "system"
)

// Message is the canonical append-only conversation record. The ID is a
// per-conversation sequence assigned by the store: 1-based, dense and
// monotonically increasing within its conversation.
type Message struct {
	ID             int64
	ConversationID string
	SenderID       string
	Sender         SenderType
	Content        string
	Intent         string
	Confidence     float64
	CreatedAt      time.Time
}

// SummaryState is the per-conversation rolling-summary bookkeeping. The rolling
// summary covers exactly the messages up to LastSummarizedMessageID.
type SummaryState struct {
	ConversationID            string
	ProjectID                 string
	UserID                    string
	RollingSummary            string
	LastSummarizedMessageID   int64
	MessageCountAtLastSummary int
	MessageCount              int
	CreatedAtMS               int64
	UpdatedAtMS               int64
}

// MemoryType classifies medium-term scratchpad entries.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryDecision   MemoryType = "decision"
	MemoryBlocker    MemoryType = "blocker"
	MemoryPreference MemoryType = "preference"
	MemoryInsight    MemoryType = "insight"
)

// memoryTypeOrder is the fixed category order used for prompt rendering.
var memoryTypeOrder = []MemoryType{MemoryFact, MemoryDecision, MemoryBlocker, MemoryPreference, MemoryInsight}

// ValidMemoryType reports whether t is one of the five scratchpad categories.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryFact, MemoryDecision, MemoryBlocker, MemoryPreference, MemoryInsight:
		return true
	}
	return false
}

// MediumTermEntry is one tactical fact in a project's scratchpad.
// (ProjectID, Key) is unique; writes replace by key.
type MediumTermEntry struct {
	ID          string
	ProjectID   string
	Type        MemoryType
	Key         string
	Value       string
	Importance  int
	ExpiresAtMS int64
	CreatedAtMS int64
	UpdatedAtMS int64
}

// Expired reports whether the entry's TTL has passed at nowMS.
func (e MediumTermEntry) Expired(nowMS int64) bool {
	return e.ExpiresAtMS > 0 && e.ExpiresAtMS <= nowMS
}

// Episode is a contiguous summarized segment of one conversation. Episodes
// partition the message stream: each episode starts right after the previous
// episode's EndMessageID.
type Episode struct {
	ID               string
	ConversationID   string
	ProjectID        string
	UserID           string
	StartMessageID   int64
	EndMessageID     int64
	MessageCount     int
	Topic            string
	Summary          string
	KeyPoints        []string
	DecisionsMade    []string
	EmotionsDetected []string
	UserState        string
	CreatedAtMS      int64
}

// NodeType classifies semantic knowledge nodes.
type NodeType string

const (
	NodePreference     NodeType = "preference"
	NodeWorkPattern    NodeType = "work_pattern"
	NodeBlocker        NodeType = "blocker"
	NodeStrength       NodeType = "strength"
	NodeGoal           NodeType = "goal"
	NodeBelief         NodeType = "belief"
	NodeSuccessPattern NodeType = "success_pattern"
)

// ValidNodeType reports whether t is a known knowledge node type.
func ValidNodeType(t NodeType) bool {
	switch t {
	case NodePreference, NodeWorkPattern, NodeBlocker, NodeStrength, NodeGoal, NodeBelief, NodeSuccessPattern:
		return true
	}
	return false
}

// KnowledgeNode is one deduplicated semantic fact. An empty ProjectID means the
// node applies across all of the user's projects. Repeated extraction of the
// same label reinforces the existing node instead of inserting a duplicate.
type KnowledgeNode struct {
	ID                 string
	UserID             string
	ProjectID          string
	Type               NodeType
	Label              string
	Properties         map[string]any
	SourceEpisodeID    string
	Confidence         float64
	TimesMentioned     int
	LastReinforcedAtMS int64
	IsActive           bool
	ContradictedBy     string
	CreatedAtMS        int64
}

// EpisodeDraft is the summarizer's structured output for one message range.
type EpisodeDraft struct {
	Topic     string   `json:"topic"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Decisions []string `json:"decisions"`
	Emotions  []string `json:"emotions"`
	UserState string   `json:"user_state"`
}

// FactScope controls which projects an extracted fact applies to.
type FactScope string

const (
	ScopeProject FactScope = "project"
	ScopeGlobal  FactScope = "global"
)

// FactCandidate is one extracted fact before dedup/reinforcement.
type FactCandidate struct {
	Type       NodeType       `json:"node_type"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
	Confidence float64        `json:"confidence"`
	Scope      FactScope      `json:"scope"`
}

// ShortTermContext is Tier 1 output for one conversation.
type ShortTermContext struct {
	RecentMessages []Message
	Summary        string
	TokenEstimate  int
}

// MemoryContext is Tier 3 output for one (user, project) pair. Blockers and
// Strengths are derived views over RelevantFacts.
type MemoryContext struct {
	RecentEpisodes []Episode
	RelevantFacts  []KnowledgeNode
	Blockers       []KnowledgeNode
	Strengths      []KnowledgeNode
}

// Job type values for background maintenance work.
const (
	JobSummary = "summary"
	JobEpisode = "episode"
	JobExtract = "extract"
	JobSweep   = "sweep"
)

// Job status values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background memory task.
type Job struct {
	ID             string
	JobType        string
	ConversationID string
	Status         string
	Priority       int
	Payload        map[string]string
	Error          string
	Attempts       int
	RunAfterMS     int64
	LeaseUntilMS   int64
	CreatedAtMS    int64
	UpdatedAtMS    int64
	CompletedAtMS  int64
}
