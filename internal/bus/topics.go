package bus

import "time"

// Build lifecycle topics.
const (
	TopicBuildCreated       = "build.created"
	TopicStageCommitted     = "build.stage_committed"
	TopicRetryScheduled     = "build.retry_scheduled"
	TopicNeedsClarification = "build.needs_clarification"
	TopicBuildSucceeded     = "build.succeeded"
	TopicBuildRejected      = "build.rejected"
	TopicBuildFailed        = "build.failed"
)

// Rule engine and routing topics.
const (
	TopicRuleDowngrade  = "rules.downgrade"
	TopicBudgetExceeded = "budget.exceeded"
)

// BuildCreatedEvent is published when a build enters the pipeline.
type BuildCreatedEvent struct {
	BuildID string
	Request string // screened request text
}

// StageCommittedEvent is published after a stage result is persisted.
type StageCommittedEvent struct {
	BuildID    string
	Stage      string
	StageIndex int
	Attempt    int
	DurationMS int64
}

// RetryScheduledEvent is published when a transient stage failure is
// scheduled for another attempt.
type RetryScheduledEvent struct {
	BuildID     string
	Stage       string
	Attempt     int
	NextRetryAt time.Time
	Reason      string
}

// ClarificationEvent is published when interpretation confidence is too
// low to continue and the build halts for user input.
type ClarificationEvent struct {
	BuildID    string
	Confidence float64
	Questions  []string
}

// BuildFinishedEvent is published on build.succeeded, build.rejected
// and build.failed.
type BuildFinishedEvent struct {
	BuildID      string
	Status       string
	ArtifactPath string // set on success
	ErrorSummary string // set on rejected/failed
}

// DowngradeEvent is published for each auto-fix applied by the rule
// engine.
type DowngradeEvent struct {
	BuildID string
	RuleID  string
	Field   string
	Reason  string
}

// BudgetExceededEvent is published when routing aborts on a budget
// threshold.
type BudgetExceededEvent struct {
	BuildID string
	Task    string
	Metric  string
	Total   int64
	Limit   int64
	Files   []string
}
