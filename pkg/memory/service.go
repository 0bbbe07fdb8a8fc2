package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/amielsp/recollect/pkg/providers"
)

// fallbackReply is returned when the upstream model fails; the turn still
// succeeds and the exchange is recorded.
const fallbackReply = "Sorry, I hit a snag generating a reply just now. Could you say that again?"

// IntentFallback marks persisted assistant messages that carry the canned
// fallback instead of a real completion.
const IntentFallback = "turn_fallback"

// TurnRequest is one inbound user message plus its addressing.
type TurnRequest struct {
	ConversationID string
	ProjectID      string
	UserID         string
	SystemPrompt   string
	Content        string
}

// Service is the orchestrator for the three memory tiers, prompt assembly and
// background maintenance.
type Service struct {
	cfg        Config
	store      Store
	shortTerm  *ShortTermMemory
	mediumTerm *MediumTermStore
	episodic   *EpisodicMemory
	assembler  *Assembler
	completer  providers.Completer
	log        *zap.Logger

	cron          *gronx.Gronx
	lastSweepMark string

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, completer providers.Completer, log *zap.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("memory db path is required")
	}
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	store, err := NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:        cfg,
		store:      store,
		shortTerm:  NewShortTermMemory(store, NewLLMSummaryFunc(completer), cfg, log),
		mediumTerm: NewMediumTermStore(store, cfg, log),
		episodic:   NewEpisodicMemory(store, NewLLMEpisodeSummarizer(completer), NewLLMFactExtractor(completer), cfg, log),
		assembler:  NewAssembler(cfg),
		completer:  completer,
		log:        log,
		cron:       gronx.New(),
		stopCh:     make(chan struct{}),
	}

	svc.wg.Add(1)
	go svc.runWorker()
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// HandleTurn records the user message, assembles the full memory-aware prompt,
// obtains a reply and schedules background maintenance. A model failure does
// not fail the turn: a canned reply is persisted and returned instead.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (Message, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return Message{}, validationErr("conversation_id", "must not be empty")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return Message{}, validationErr("user_id", "must not be empty")
	}
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, validationErr("content", "must not be empty")
	}

	if err := s.store.EnsureConversation(ctx, req.ConversationID, req.ProjectID, req.UserID); err != nil {
		return Message{}, err
	}
	userMsg, err := s.store.AppendMessage(ctx, Message{
		ConversationID: req.ConversationID,
		SenderID:       req.UserID,
		Sender:         SenderUser,
		Content:        req.Content,
	})
	if err != nil {
		return Message{}, err
	}

	// Tier 1 is load-bearing: without the recent window the reply would
	// ignore the conversation, so its failure fails the turn.
	stc, err := s.shortTerm.GetContext(ctx, req.ConversationID, 0)
	if err != nil {
		return Message{}, err
	}
	// The live user message goes in as the final prompt message, not as part
	// of the history block.
	if n := len(stc.RecentMessages); n > 0 && stc.RecentMessages[n-1].ID == userMsg.ID {
		stc.RecentMessages = stc.RecentMessages[:n-1]
	}

	// Tiers 2 and 3 only enrich the prompt; their failures degrade it.
	var mediumBlock string
	if req.ProjectID != "" {
		entries, err := s.mediumTerm.GetMemories(ctx, req.ProjectID)
		if err != nil {
			s.log.Warn("medium-term recall failed", zap.String("project_id", req.ProjectID), zap.Error(err))
		} else {
			mediumBlock = s.mediumTerm.FormatForPrompt(entries)
		}
	}

	var longBlock string
	mc, err := s.episodic.GetMemoryContext(ctx, req.UserID, req.ProjectID, req.Content)
	if err != nil {
		s.log.Warn("episodic recall failed", zap.String("user_id", req.UserID), zap.Error(err))
	} else {
		longBlock = s.episodic.FormatMemoryContextForPrompt(mc)
	}

	prompt := s.assembler.BuildMessages(PromptInput{
		SystemPrompt: req.SystemPrompt,
		LongTerm:     longBlock,
		MediumTerm:   mediumBlock,
		ShortTerm:    s.shortTerm.FormatForPrompt(stc),
		UserMessage:  req.Content,
	})

	reply := Message{
		ConversationID: req.ConversationID,
		SenderID:       "assistant",
		Sender:         SenderPersona,
	}
	resp, err := s.completer.Complete(ctx, prompt, nil)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err != nil {
			s.log.Warn("completion failed, using fallback",
				zap.String("conversation_id", req.ConversationID), zap.Error(err))
		}
		reply.Content = fallbackReply
		reply.Intent = IntentFallback
	} else {
		reply.Content = resp.Content
	}

	saved, err := s.store.AppendMessage(ctx, reply)
	if err != nil {
		return Message{}, err
	}

	s.ScheduleTurnMaintenance(ctx, req.ConversationID)
	_ = s.store.AddMetric(ctx, "memory.turn.handled", 1, map[string]string{
		"conversation_id": req.ConversationID,
	})
	return saved, nil
}

// Project scratchpad passthroughs.

func (s *Service) SetProjectMemory(ctx context.Context, projectID string, memType MemoryType, key, value string, importance int, expiresAt *time.Time) (MediumTermEntry, error) {
	return s.mediumTerm.SetMemory(ctx, projectID, memType, key, value, importance, expiresAt)
}

func (s *Service) RemoveProjectMemory(ctx context.Context, projectID, key string) error {
	return s.mediumTerm.RemoveMemory(ctx, projectID, key)
}

func (s *Service) GetProjectMemories(ctx context.Context, projectID string) ([]MediumTermEntry, error) {
	return s.mediumTerm.GetMemories(ctx, projectID)
}

// RunSweep deletes expired scratchpad entries immediately, bypassing the cron
// schedule.
func (s *Service) RunSweep(ctx context.Context) (int, error) {
	return s.mediumTerm.CleanupExpired(ctx)
}

// ScheduleTurnMaintenance enqueues the per-turn background jobs: rolling
// summary upkeep and episode detection. Job IDs are derived from the trigger
// so redundant enqueues collapse.
func (s *Service) ScheduleTurnMaintenance(ctx context.Context, conversationID string) {
	now := time.Now().UnixMilli()
	_ = s.store.EnqueueJob(ctx, Job{
		ID:             maintenanceJobID(JobSummary, conversationID, fmt.Sprintf("%d", now/1000)),
		JobType:        JobSummary,
		ConversationID: conversationID,
		Status:         JobPending,
		Priority:       30,
		RunAfterMS:     now,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
	})
	_ = s.store.EnqueueJob(ctx, Job{
		ID:             maintenanceJobID(JobEpisode, conversationID, fmt.Sprintf("%d", now/1000)),
		JobType:        JobEpisode,
		ConversationID: conversationID,
		Status:         JobPending,
		Priority:       60,
		RunAfterMS:     now + 500,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
	})
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()

	// Run once at startup so pending jobs from a prior process lifetime begin
	// immediately.
	s.processPendingJobs()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maybeScheduleSweep()
			s.processPendingJobs()
		}
	}
}

// maybeScheduleSweep enqueues the expiry sweep when the cron expression is due
// for the current minute. The per-minute job ID keeps repeated polls within
// the same minute from stacking duplicates.
func (s *Service) maybeScheduleSweep() {
	mark := time.Now().Format("2006-01-02T15:04")
	if mark == s.lastSweepMark {
		return
	}
	s.lastSweepMark = mark

	due, err := s.cron.IsDue(s.cfg.SweepSchedule, time.Now())
	if err != nil {
		s.log.Warn("invalid sweep schedule", zap.String("schedule", s.cfg.SweepSchedule), zap.Error(err))
		return
	}
	if !due {
		return
	}

	now := time.Now().UnixMilli()
	_ = s.store.EnqueueJob(context.Background(), Job{
		ID:          maintenanceJobID(JobSweep, "", mark),
		JobType:     JobSweep,
		Status:      JobPending,
		Priority:    90,
		RunAfterMS:  now,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	})
}

func (s *Service) processPendingJobs() {
	const maxBatch = 32
	now := time.Now().UnixMilli()
	ctx := context.Background()
	_ = s.store.RequeueExpiredJobs(ctx, now)

	leaseForMS := int64(s.cfg.WorkerLease / time.Millisecond)

	for i := 0; i < maxBatch; i++ {
		job, ok, err := s.store.ClaimNextJob(ctx, time.Now().UnixMilli(), leaseForMS)
		if err != nil || !ok {
			return
		}

		if err := s.handleJob(ctx, job); err != nil {
			if s.shouldRetryJob(job, err) {
				s.log.Warn("memory job will retry",
					zap.String("job_id", job.ID), zap.String("type", job.JobType),
					zap.Int("attempts", job.Attempts), zap.Error(err))
				runAfter := time.Now().UnixMilli() + int64(s.cfg.RetryBackoff/time.Millisecond)
				_ = s.store.RescheduleJob(ctx, job.ID, err.Error(), runAfter)
				_ = s.store.AddMetric(ctx, "memory.job.retried", 1, map[string]string{"type": job.JobType})
				continue
			}
			s.log.Warn("memory job failed",
				zap.String("job_id", job.ID), zap.String("type", job.JobType), zap.Error(err))
			_ = s.store.FailJob(ctx, job.ID, err.Error())
			_ = s.store.AddMetric(ctx, "memory.job.failed", 1, map[string]string{"type": job.JobType})
			continue
		}
		_ = s.store.CompleteJob(ctx, job.ID)
		_ = s.store.AddMetric(ctx, "memory.job.completed", 1, map[string]string{"type": job.JobType})
	}
}

// maxExtractAttempts bounds retries of a fact-extraction job before it is
// marked failed for good.
const maxExtractAttempts = 5

// shouldRetryJob limits retries to extract jobs hit by transient upstream
// failures. An extract job fires exactly once per episode, so failing it
// terminally would lose that episode's facts; summary, episode and sweep jobs
// are re-enqueued by later turns or the cron schedule anyway.
func (s *Service) shouldRetryJob(job Job, err error) bool {
	if job.JobType != JobExtract || job.Attempts >= maxExtractAttempts {
		return false
	}
	return !IsValidation(err) && !errors.Is(err, ErrEpisodeNotFound)
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobSummary:
		_, err := s.shortTerm.UpdateSummaryIfNeeded(ctx, job.ConversationID)
		return err
	case JobEpisode:
		due, err := s.episodic.ShouldTriggerEpisodeSummarization(ctx, job.ConversationID)
		if err != nil || !due {
			return err
		}
		ep, err := s.episodic.CreateEpisodeSummary(ctx, job.ConversationID)
		if err != nil || ep == nil {
			return err
		}
		now := time.Now().UnixMilli()
		return s.store.EnqueueJob(ctx, Job{
			ID:             maintenanceJobID(JobExtract, job.ConversationID, ep.ID),
			JobType:        JobExtract,
			ConversationID: job.ConversationID,
			Status:         JobPending,
			Priority:       70,
			Payload:        map[string]string{"episode_id": ep.ID},
			RunAfterMS:     now,
			CreatedAtMS:    now,
			UpdatedAtMS:    now,
		})
	case JobExtract:
		episodeID := job.Payload["episode_id"]
		if strings.TrimSpace(episodeID) == "" {
			return validationErr("payload", "extract job missing episode_id")
		}
		_, err := s.episodic.ExtractKnowledgeFacts(ctx, job.ConversationID, episodeID)
		return err
	case JobSweep:
		_, err := s.mediumTerm.CleanupExpired(ctx)
		return err
	default:
		return fmt.Errorf("unknown memory job type: %s", job.JobType)
	}
}

func maintenanceJobID(jobType, conversationID, discriminator string) string {
	h := sha1.Sum([]byte(jobType + "|" + conversationID + "|" + discriminator))
	return "job-" + hex.EncodeToString(h[:8])
}
