package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent storage for all memory tiers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process subsystem. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines and serializes
	// match-then-act sequences.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			rolling_summary TEXT NOT NULL DEFAULT '',
			last_summarized_message_id INTEGER NOT NULL DEFAULT 0,
			message_count_at_last_summary INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			sender_type TEXT NOT NULL,
			content TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_seq_idx ON messages(conversation_id, seq);`,
		`CREATE TABLE IF NOT EXISTS medium_term_memories (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			mem_key TEXT NOT NULL,
			value TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 5,
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS medium_term_project_key_idx ON medium_term_memories(project_id, mem_key);`,
		`CREATE INDEX IF NOT EXISTS medium_term_rank_idx ON medium_term_memories(project_id, importance DESC, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS medium_term_expiry_idx ON medium_term_memories(expires_at_ms);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			start_message_id INTEGER NOT NULL,
			end_message_id INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			key_points_json TEXT NOT NULL DEFAULT '[]',
			decisions_json TEXT NOT NULL DEFAULT '[]',
			emotions_json TEXT NOT NULL DEFAULT '[]',
			user_state TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS episodes_conversation_idx ON episodes(conversation_id, end_message_id DESC);`,
		`CREATE INDEX IF NOT EXISTS episodes_scope_idx ON episodes(user_id, project_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS knowledge_nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			node_type TEXT NOT NULL,
			label TEXT NOT NULL,
			normalized_label TEXT NOT NULL,
			properties_json TEXT NOT NULL DEFAULT '{}',
			source_episode_id TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			times_mentioned INTEGER NOT NULL DEFAULT 1,
			last_reinforced_at_ms INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			contradicted_by TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS knowledge_nodes_active_label_idx
			ON knowledge_nodes(user_id, project_id, node_type, normalized_label)
			WHERE is_active = 1;`,
		`CREATE INDEX IF NOT EXISTS knowledge_nodes_scope_idx ON knowledge_nodes(user_id, project_id, is_active, confidence DESC, last_reinforced_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeProps(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeProps(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// NormalizeLabel lowercases and collapses whitespace so extraction variants of
// the same statement dedup to one node.
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}

func (s *SQLiteStore) EnsureConversation(ctx context.Context, conversationID, projectID, userID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return validationErr("conversation_id", "must not be empty")
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(conversation_id, project_id, user_id, rolling_summary, last_summarized_message_id, message_count_at_last_summary, message_count, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, '', 0, 0, 0, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	project_id = CASE WHEN excluded.project_id <> '' THEN excluded.project_id ELSE conversations.project_id END,
	user_id = CASE WHEN conversations.user_id = '' THEN excluded.user_id ELSE conversations.user_id END,
	updated_at_ms = excluded.updated_at_ms`,
		conversationID, projectID, userID, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (SummaryState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT conversation_id, project_id, user_id, rolling_summary, last_summarized_message_id, message_count_at_last_summary, message_count, created_at_ms, updated_at_ms
FROM conversations WHERE conversation_id = ?`, conversationID)
	var out SummaryState
	if err := row.Scan(&out.ConversationID, &out.ProjectID, &out.UserID, &out.RollingSummary, &out.LastSummarizedMessageID, &out.MessageCountAtLastSummary, &out.MessageCount, &out.CreatedAtMS, &out.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SummaryState{}, ErrConversationNotFound
		}
		return SummaryState{}, fmt.Errorf("get conversation: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AdvanceSummaryCursor(ctx context.Context, conversationID string, cursor int64, coveredCount int, summary string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET rolling_summary = ?, last_summarized_message_id = ?, message_count_at_last_summary = ?, updated_at_ms = ?
WHERE conversation_id = ? AND last_summarized_message_id <= ?`,
		summary, cursor, coveredCount, nowMS(), conversationID, cursor)
	if err != nil {
		return fmt.Errorf("advance summary cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the conversation is unknown or a newer cursor already landed;
		// both leave state untouched.
		if _, gerr := s.GetConversation(ctx, conversationID); gerr != nil {
			return gerr
		}
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return Message{}, validationErr("conversation_id", "must not be empty")
	}
	switch msg.Sender {
	case SenderUser, SenderPersona, SenderSystem:
	default:
		return Message{}, validationErr("sender_type", "unknown sender type %q", msg.Sender)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	created := msg.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations(conversation_id, project_id, user_id, rolling_summary, last_summarized_message_id, message_count_at_last_summary, message_count, created_at_ms, updated_at_ms)
VALUES(?, '', '', '', 0, 0, 0, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms`, msg.ConversationID, now, now); err != nil {
		return Message{}, fmt.Errorf("append message ensure conversation: %w", err)
	}

	// Message IDs are a dense per-conversation sequence, not the global
	// rowid, so interleaved conversations cannot punch holes into each
	// other's numbering. The single connection serializes this read.
	var seq int64
	if err := tx.QueryRowContext(ctx, `
SELECT message_count + 1 FROM conversations WHERE conversation_id = ?`, msg.ConversationID).Scan(&seq); err != nil {
		return Message{}, fmt.Errorf("append message next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(conversation_id, seq, sender_id, sender_type, content, intent, confidence, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, seq, msg.SenderID, string(msg.Sender), msg.Content, msg.Intent, msg.Confidence, created); err != nil {
		return Message{}, fmt.Errorf("append message insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET message_count = ?, updated_at_ms = ?
WHERE conversation_id = ?`, seq, created, msg.ConversationID); err != nil {
		return Message{}, fmt.Errorf("append message update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message commit: %w", err)
	}
	msg.ID = seq
	return msg, nil
}

const messageColumns = `seq, conversation_id, sender_id, sender_type, content, intent, confidence, created_at_ms`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var sender string
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &sender, &m.Content, &m.Intent, &m.Confidence, &createdMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = SenderType(sender)
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
ORDER BY seq DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListMessagesBetween(ctx context.Context, conversationID string, afterID, throughID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
AND seq > ?
AND (? <= 0 OR seq <= ?)
ORDER BY seq ASC`, conversationID, afterID, throughID, throughID)
	if err != nil {
		return nil, fmt.Errorf("list messages between: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) CountMessagesAfter(ctx context.Context, conversationID string, afterID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND seq > ?`, conversationID, afterID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages after: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpsertMediumTerm(ctx context.Context, entry MediumTermEntry) (MediumTermEntry, error) {
	if entry.ID == "" {
		entry.ID = "mtm-" + uuid.NewString()
	}
	now := nowMS()
	if entry.CreatedAtMS == 0 {
		entry.CreatedAtMS = now
	}
	entry.UpdatedAtMS = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO medium_term_memories(id, project_id, memory_type, mem_key, value, importance, expires_at_ms, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id, mem_key) DO UPDATE SET
	memory_type = excluded.memory_type,
	value = excluded.value,
	importance = excluded.importance,
	expires_at_ms = excluded.expires_at_ms,
	updated_at_ms = excluded.updated_at_ms`,
		entry.ID, entry.ProjectID, string(entry.Type), entry.Key, entry.Value, entry.Importance, entry.ExpiresAtMS, entry.CreatedAtMS, entry.UpdatedAtMS)
	if err != nil {
		return MediumTermEntry{}, fmt.Errorf("upsert medium-term entry: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, memory_type, mem_key, value, importance, expires_at_ms, created_at_ms, updated_at_ms
FROM medium_term_memories
WHERE project_id = ? AND mem_key = ?`, entry.ProjectID, entry.Key)
	out, err := scanMediumTermRow(row)
	if err != nil {
		return MediumTermEntry{}, fmt.Errorf("read upserted medium-term entry: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediumTermRow(row rowScanner) (MediumTermEntry, error) {
	var e MediumTermEntry
	var memType string
	if err := row.Scan(&e.ID, &e.ProjectID, &memType, &e.Key, &e.Value, &e.Importance, &e.ExpiresAtMS, &e.CreatedAtMS, &e.UpdatedAtMS); err != nil {
		return MediumTermEntry{}, err
	}
	e.Type = MemoryType(memType)
	return e, nil
}

func (s *SQLiteStore) DeleteMediumTerm(ctx context.Context, projectID, key string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM medium_term_memories WHERE project_id = ? AND mem_key = ?`, projectID, key)
	if err != nil {
		return fmt.Errorf("delete medium-term entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLiteStore) SetMediumTermImportance(ctx context.Context, projectID, key string, importance int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE medium_term_memories
SET importance = ?, updated_at_ms = ?
WHERE project_id = ? AND mem_key = ?`, importance, nowMS(), projectID, key)
	if err != nil {
		return fmt.Errorf("set medium-term importance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

const mediumTermRanking = `ORDER BY importance DESC, created_at_ms DESC, id DESC`

func (s *SQLiteStore) ListMediumTerm(ctx context.Context, projectID string) ([]MediumTermEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, memory_type, mem_key, value, importance, expires_at_ms, created_at_ms, updated_at_ms
FROM medium_term_memories
WHERE project_id = ?
AND (expires_at_ms = 0 OR expires_at_ms > ?)
`+mediumTermRanking, projectID, nowMS())
	if err != nil {
		return nil, fmt.Errorf("list medium-term entries: %w", err)
	}
	defer rows.Close()
	return scanMediumTermRows(rows)
}

func (s *SQLiteStore) ListMediumTermByType(ctx context.Context, projectID string, memType MemoryType) ([]MediumTermEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, memory_type, mem_key, value, importance, expires_at_ms, created_at_ms, updated_at_ms
FROM medium_term_memories
WHERE project_id = ? AND memory_type = ?
AND (expires_at_ms = 0 OR expires_at_ms > ?)
`+mediumTermRanking, projectID, string(memType), nowMS())
	if err != nil {
		return nil, fmt.Errorf("list medium-term entries by type: %w", err)
	}
	defer rows.Close()
	return scanMediumTermRows(rows)
}

func scanMediumTermRows(rows *sql.Rows) ([]MediumTermEntry, error) {
	out := []MediumTermEntry{}
	for rows.Next() {
		e, err := scanMediumTermRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medium-term entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate medium-term entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PruneMediumTerm(ctx context.Context, projectID string, capacity int) (int, error) {
	if capacity <= 0 {
		return 0, nil
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM medium_term_memories
WHERE project_id = ?
AND (expires_at_ms = 0 OR expires_at_ms > ?)
AND id NOT IN (
	SELECT id FROM medium_term_memories
	WHERE project_id = ?
	AND (expires_at_ms = 0 OR expires_at_ms > ?)
	`+mediumTermRanking+`
	LIMIT ?
)`, projectID, now, projectID, now, capacity)
	if err != nil {
		return 0, fmt.Errorf("prune medium-term entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteExpiredMediumTerm(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM medium_term_memories
WHERE expires_at_ms > 0 AND expires_at_ms <= ?`, nowMS())
	if err != nil {
		return 0, fmt.Errorf("delete expired medium-term entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) InsertEpisode(ctx context.Context, ep Episode) (Episode, error) {
	if ep.ID == "" {
		ep.ID = "epi-" + uuid.NewString()
	}
	if ep.CreatedAtMS == 0 {
		ep.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO episodes(id, conversation_id, project_id, user_id, start_message_id, end_message_id, message_count, topic, summary, key_points_json, decisions_json, emotions_json, user_state, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.ConversationID, ep.ProjectID, ep.UserID, ep.StartMessageID, ep.EndMessageID, ep.MessageCount,
		ep.Topic, ep.Summary, encodeStrings(ep.KeyPoints), encodeStrings(ep.DecisionsMade), encodeStrings(ep.EmotionsDetected), ep.UserState, ep.CreatedAtMS)
	if err != nil {
		return Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	return ep, nil
}

const episodeColumns = `id, conversation_id, project_id, user_id, start_message_id, end_message_id, message_count, topic, summary, key_points_json, decisions_json, emotions_json, user_state, created_at_ms`

func scanEpisodeRow(row rowScanner) (Episode, error) {
	var ep Episode
	var keyPoints, decisions, emotions string
	if err := row.Scan(&ep.ID, &ep.ConversationID, &ep.ProjectID, &ep.UserID, &ep.StartMessageID, &ep.EndMessageID, &ep.MessageCount, &ep.Topic, &ep.Summary, &keyPoints, &decisions, &emotions, &ep.UserState, &ep.CreatedAtMS); err != nil {
		return Episode{}, err
	}
	ep.KeyPoints = decodeStrings(keyPoints)
	ep.DecisionsMade = decodeStrings(decisions)
	ep.EmotionsDetected = decodeStrings(emotions)
	return ep, nil
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, episodeID string) (Episode, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, episodeID)
	ep, err := scanEpisodeRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Episode{}, ErrEpisodeNotFound
		}
		return Episode{}, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

func (s *SQLiteStore) LatestEpisode(ctx context.Context, conversationID string) (Episode, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+episodeColumns+`
FROM episodes
WHERE conversation_id = ?
ORDER BY end_message_id DESC
LIMIT 1`, conversationID)
	ep, err := scanEpisodeRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Episode{}, false, nil
		}
		return Episode{}, false, fmt.Errorf("latest episode: %w", err)
	}
	return ep, true, nil
}

func (s *SQLiteStore) ListRecentEpisodes(ctx context.Context, userID, projectID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+episodeColumns+`
FROM episodes
WHERE user_id = ? AND project_id = ?
ORDER BY created_at_ms DESC, end_message_id DESC
LIMIT ?`, userID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent episodes: %w", err)
	}
	defer rows.Close()

	out := []Episode{}
	for rows.Next() {
		ep, err := scanEpisodeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episodes: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertKnowledgeNode(ctx context.Context, node KnowledgeNode, reinforceStep float64) (KnowledgeNode, bool, error) {
	normalized := NormalizeLabel(node.Label)
	if normalized == "" {
		return KnowledgeNode{}, false, validationErr("label", "must not be empty")
	}
	if reinforceStep <= 0 {
		reinforceStep = 0.05
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return KnowledgeNode{}, false, fmt.Errorf("upsert knowledge node begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	var existingID string
	row := tx.QueryRowContext(ctx, `
SELECT id FROM knowledge_nodes
WHERE user_id = ? AND project_id = ? AND node_type = ? AND normalized_label = ? AND is_active = 1`,
		node.UserID, node.ProjectID, string(node.Type), normalized)

	reinforced := false
	switch err := row.Scan(&existingID); {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
UPDATE knowledge_nodes
SET times_mentioned = times_mentioned + 1,
	last_reinforced_at_ms = ?,
	confidence = MIN(confidence + ?, 1.0)
WHERE id = ?`, now, reinforceStep, existingID); err != nil {
			return KnowledgeNode{}, false, fmt.Errorf("reinforce knowledge node: %w", err)
		}
		reinforced = true
	case errors.Is(err, sql.ErrNoRows):
		if node.ID == "" {
			node.ID = "kn-" + uuid.NewString()
		}
		existingID = node.ID
		if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_nodes(id, user_id, project_id, node_type, label, normalized_label, properties_json, source_episode_id, confidence, times_mentioned, last_reinforced_at_ms, is_active, contradicted_by, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, 1, '', ?)`,
			node.ID, node.UserID, node.ProjectID, string(node.Type), strings.TrimSpace(node.Label), normalized,
			encodeProps(node.Properties), node.SourceEpisodeID, node.Confidence, now, now); err != nil {
			return KnowledgeNode{}, false, fmt.Errorf("insert knowledge node: %w", err)
		}
	default:
		return KnowledgeNode{}, false, fmt.Errorf("match knowledge node: %w", err)
	}

	out, err := scanKnowledgeNodeRow(tx.QueryRowContext(ctx, `
SELECT `+knowledgeNodeColumns+` FROM knowledge_nodes WHERE id = ?`, existingID))
	if err != nil {
		return KnowledgeNode{}, false, fmt.Errorf("read upserted knowledge node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return KnowledgeNode{}, false, fmt.Errorf("upsert knowledge node commit: %w", err)
	}
	return out, reinforced, nil
}

const knowledgeNodeColumns = `id, user_id, project_id, node_type, label, normalized_label, properties_json, source_episode_id, confidence, times_mentioned, last_reinforced_at_ms, is_active, contradicted_by, created_at_ms`

func scanKnowledgeNodeRow(row rowScanner) (KnowledgeNode, error) {
	var n KnowledgeNode
	var nodeType, normalized, props string
	var active int
	if err := row.Scan(&n.ID, &n.UserID, &n.ProjectID, &nodeType, &n.Label, &normalized, &props, &n.SourceEpisodeID, &n.Confidence, &n.TimesMentioned, &n.LastReinforcedAtMS, &active, &n.ContradictedBy, &n.CreatedAtMS); err != nil {
		return KnowledgeNode{}, err
	}
	n.Type = NodeType(nodeType)
	n.Properties = decodeProps(props)
	n.IsActive = active != 0
	return n, nil
}

func (s *SQLiteStore) ListActiveNodes(ctx context.Context, userID, projectID string, limit int) ([]KnowledgeNode, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+knowledgeNodeColumns+`
FROM knowledge_nodes
WHERE user_id = ?
AND is_active = 1
AND (project_id = '' OR project_id = ?)
ORDER BY confidence DESC, last_reinforced_at_ms DESC
LIMIT ?`, userID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active knowledge nodes: %w", err)
	}
	defer rows.Close()

	out := []KnowledgeNode{}
	for rows.Next() {
		n, err := scanKnowledgeNodeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge node: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge nodes: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, conversation_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms`,
		job.ID, job.JobType, job.ConversationID, job.Status, job.Priority, encodeMap(job.Payload), job.Error,
		job.Attempts, job.RunAfterMS, job.LeaseUntilMS, job.CreatedAtMS, job.UpdatedAtMS, job.CompletedAtMS)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, conversation_id, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.ConversationID, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, attempts = attempts + 1, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`,
		JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Attempts++
	job.Payload = decodeMap(payloadRaw)
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RescheduleJob returns a claimed job to the queue for another attempt no
// earlier than runAfterMS, keeping the error that triggered the retry.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id, errMsg string, runAfterMS int64) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, run_after_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobPending, errMsg, runAfterMS, now, id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}
