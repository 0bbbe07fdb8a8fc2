package memory

import "time"

// Config carries every tunable of the memory subsystem. Thresholds are plain
// fields rather than package constants so tests can inject small values.
type Config struct {
	// DBPath locates the sqlite database file.
	DBPath string

	// RecentWindow is how many verbatim messages Tier 1 returns per turn.
	RecentWindow int
	// SummaryThreshold is the unsummarized-message count that triggers a
	// rolling-summary update.
	SummaryThreshold int
	// SummaryKeepRecent is how many trailing messages stay verbatim when the
	// rolling summary absorbs older ones.
	SummaryKeepRecent int

	// MediumTermCapacity bounds live scratchpad entries per project.
	MediumTermCapacity int

	// EpisodeThreshold is the unsummarized-message count that triggers
	// episode creation.
	EpisodeThreshold int
	// EpisodeRecall is how many recent episodes Tier 3 returns.
	EpisodeRecall int
	// FactRecall is how many knowledge nodes Tier 3 returns.
	FactRecall int
	// ReinforceStep is the confidence increment applied on reinforcement.
	ReinforceStep float64

	// ContextTokenBudget is the soft cap on assembled prompt context.
	ContextTokenBudget int

	// ContextCacheTTL and ContextCacheSize bound the Tier 3 context cache.
	ContextCacheTTL  time.Duration
	ContextCacheSize int

	// WorkerPoll and WorkerLease drive the background job loop.
	WorkerPoll  time.Duration
	WorkerLease time.Duration
	// RetryBackoff delays the next attempt of a rescheduled job.
	RetryBackoff time.Duration

	// SweepSchedule is a cron expression for the global expiry sweep.
	SweepSchedule string
}

func (c Config) withDefaults() Config {
	if c.RecentWindow <= 0 {
		c.RecentWindow = 50
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = 20
	}
	if c.SummaryKeepRecent <= 0 {
		c.SummaryKeepRecent = 10
	}
	if c.MediumTermCapacity <= 0 {
		c.MediumTermCapacity = 30
	}
	if c.EpisodeThreshold <= 0 {
		c.EpisodeThreshold = 15
	}
	if c.EpisodeRecall <= 0 {
		c.EpisodeRecall = 3
	}
	if c.FactRecall <= 0 {
		c.FactRecall = 10
	}
	if c.ReinforceStep <= 0 {
		c.ReinforceStep = 0.05
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = 3072
	}
	if c.ContextCacheTTL <= 0 {
		c.ContextCacheTTL = 30 * time.Second
	}
	if c.ContextCacheSize <= 0 {
		c.ContextCacheSize = 256
	}
	if c.WorkerPoll <= 0 {
		c.WorkerPoll = 800 * time.Millisecond
	}
	if c.WorkerLease <= 0 {
		c.WorkerLease = 45 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "0 * * * *"
	}
	return c
}
