package timeline

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether a task may move from one status to another.
// Transitions are monotone: pending -> in_progress -> {completed, failed}.
// pending -> failed is allowed so a vetoed task never has to be claimed.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusInProgress || to == TaskStatusFailed
	case TaskStatusInProgress:
		return to == TaskStatusCompleted || to == TaskStatusFailed
	default:
		return false
	}
}

// Workflow step status values.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// WorkflowStep is a timed record of one pipeline phase.
type WorkflowStep struct {
	Label       string     `json:"label"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

// ToolCallEntry records one tool invocation made on behalf of a task.
type ToolCallEntry struct {
	Tool   string    `json:"tool"`
	Input  string    `json:"input,omitempty"`
	Output string    `json:"output,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Outcome email delivery states.
const (
	EmailNone   = ""
	EmailQueued = "queued"
	EmailSent   = "sent"
	EmailFailed = "failed"
)

// Task is a unit of work processed by an agent.
type Task struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"ownerId"`
	Title              string          `json:"title,omitempty"`
	Description        string          `json:"description"`
	Status             TaskStatus      `json:"status"`
	AgentID            string          `json:"agentId,omitempty"`
	ParentTaskID       string          `json:"parentTaskId,omitempty"`
	Board              string          `json:"board,omitempty"`
	ExpectsResult      bool            `json:"expectsResult"`
	TargetCompletionAt *time.Time      `json:"targetCompletionAt,omitempty"`
	DoNowAt            *time.Time      `json:"doNowAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	OutcomeSummary     string          `json:"outcomeSummary,omitempty"`
	OutcomeLinks       []string        `json:"outcomeLinks,omitempty"`
	OutcomeFileID      string          `json:"outcomeFileId,omitempty"`
	OutcomeAudioID     string          `json:"outcomeAudioId,omitempty"`
	OutcomeEmailStatus string          `json:"outcomeEmailStatus,omitempty"`
	WorkflowSteps      []WorkflowStep  `json:"workflowSteps,omitempty"`
	ToolCallLog        []ToolCallEntry `json:"toolCallLog,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Outcome is the terminal result attached to a completed or failed task.
type Outcome struct {
	Summary string
	Links   []string
	FileID  string
}

// ScheduleMode controls whether the scheduler runs an agent on its own.
type ScheduleMode string

const (
	ScheduleManual ScheduleMode = "manual"
	ScheduleAuto   ScheduleMode = "auto"
	ScheduleCron   ScheduleMode = "cron"
)

// Schedule holds the agent's autonomous run settings.
type Schedule struct {
	Mode ScheduleMode `json:"mode" yaml:"mode"`
	Cron string       `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// LLMConfig is an agent's model selection and monthly token accounting.
type LLMConfig struct {
	Provider           string `json:"provider" yaml:"provider"`
	Model              string `json:"model" yaml:"model"`
	MonthlyTokenBudget int    `json:"monthlyTokenBudget" yaml:"monthlyTokenBudget"`
	TokensUsed         int    `json:"tokensUsed" yaml:"-"`
	UsagePeriod        string `json:"usagePeriod,omitempty" yaml:"-"`
}

// BudgetExhausted reports whether the budget for period is used up.
// A zero budget means unlimited.
func (c LLMConfig) BudgetExhausted(period string) bool {
	if c.MonthlyTokenBudget <= 0 {
		return false
	}
	if c.UsagePeriod != period {
		return false
	}
	return c.TokensUsed >= c.MonthlyTokenBudget
}

// UsagePeriod returns the monthly accounting key for t.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextPeriodStart returns the first instant of the month after t.
func NextPeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// ThinkingState is the agent's autonomous reasoning state. It is only
// changed through its transition methods.
type ThinkingState struct {
	Enabled       bool       `json:"enabled" yaml:"enabled"`
	IsPaused      bool       `json:"isPaused" yaml:"isPaused"`
	CurrentGoal   string     `json:"currentGoal,omitempty" yaml:"currentGoal,omitempty"`
	LastThought   string     `json:"lastThought,omitempty" yaml:"-"`
	LastThoughtAt *time.Time `json:"lastThoughtAt,omitempty" yaml:"-"`
}

// TogglePause flips the paused flag and returns the new value.
func (s *ThinkingState) TogglePause() bool {
	s.IsPaused = !s.IsPaused
	return s.IsPaused
}

// Pause stops autonomous runs.
func (s *ThinkingState) Pause() { s.IsPaused = true }

// Resume re-enables autonomous runs.
func (s *ThinkingState) Resume() { s.IsPaused = false }

// SetGoal replaces the current goal.
func (s *ThinkingState) SetGoal(goal string) {
	s.CurrentGoal = goal
}

// RecordThought stores the most recent thought and its time.
func (s *ThinkingState) RecordThought(content string, at time.Time) {
	s.LastThought = content
	t := at.UTC()
	s.LastThoughtAt = &t
}

// A2AConfig controls agent-to-agent messaging for an agent.
type A2AConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	AllowPublicAgents bool `json:"allowPublicAgents" yaml:"allowPublicAgents"`
	AutoRespond       bool `json:"autoRespond" yaml:"autoRespond"`
	MaxAutoReplyHops  int  `json:"maxAutoReplyHops" yaml:"maxAutoReplyHops"`
}

// DefaultMaxAutoReplyHops applies when an agent leaves MaxAutoReplyHops unset.
const DefaultMaxAutoReplyHops = 2

// HopLimit returns the effective auto-reply hop limit.
func (c A2AConfig) HopLimit() int {
	if c.MaxAutoReplyHops <= 0 {
		return DefaultMaxAutoReplyHops
	}
	return c.MaxAutoReplyHops
}

// Agent is an autonomous persona that owns tasks and produces actions.
type Agent struct {
	ID                string        `json:"id"`
	Slug              string        `json:"slug"`
	Name              string        `json:"name"`
	OwnerID           string        `json:"ownerId"`
	SystemPrompt      string        `json:"systemPrompt,omitempty"`
	LLM               LLMConfig     `json:"llm"`
	Thinking          ThinkingState `json:"thinking"`
	A2A               A2AConfig     `json:"a2a"`
	Schedule          Schedule      `json:"schedule"`
	ProviderFlagged   string        `json:"providerFlagged,omitempty"`
	BudgetPausedUntil *time.Time    `json:"budgetPausedUntil,omitempty"`
	LastRunAt         *time.Time    `json:"lastRunAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// ThoughtType classifies an agent thought.
type ThoughtType string

const (
	ThoughtObservation ThoughtType = "observation"
	ThoughtReasoning   ThoughtType = "reasoning"
	ThoughtDecision    ThoughtType = "decision"
	ThoughtReflection  ThoughtType = "reflection"
	ThoughtGoalUpdate  ThoughtType = "goal_update"
)

// Valid reports whether t is a known thought type.
func (t ThoughtType) Valid() bool {
	switch t {
	case ThoughtObservation, ThoughtReasoning, ThoughtDecision, ThoughtReflection, ThoughtGoalUpdate:
		return true
	}
	return false
}

// AgentThought is an append-only reasoning record.
type AgentThought struct {
	ID            int64          `json:"id"`
	AgentID       string         `json:"agentId"`
	Type          ThoughtType    `json:"type"`
	Content       string         `json:"content"`
	Context       string         `json:"context,omitempty"`
	RelatedTaskID string         `json:"relatedTaskId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// A2A message directions, from the recipient's point of view.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// A2AMessage is one message in an agent-to-agent thread.
type A2AMessage struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"threadId"`
	FromAgentID   string    `json:"fromAgentId,omitempty"`
	ToAgentID     string    `json:"toAgentId"`
	Content       string    `json:"content"`
	Direction     string    `json:"direction"`
	Automatic     bool      `json:"automatic"`
	HumanAuthored bool      `json:"humanAuthored"`
	TaskID        string    `json:"taskId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Audit status values.
const (
	AuditAllowed = "allowed"
	AuditBlocked = "blocked"
	AuditFailed  = "failed"
)

// AuditEntry is an append-only audit record.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Status    string    `json:"status"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedItem is a post on the agent social feed.
type FeedItem struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	OwnerID   string    `json:"ownerId"`
	Content   string    `json:"content"`
	TaskID    string    `json:"taskId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Skill is a named, reusable instruction set authored by an agent.
type Skill struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Instructions string    `json:"instructions"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ScheduledJob tracks scheduler job runs.
type ScheduledJob struct {
	ID         int64     `json:"id"`
	JobName    string    `json:"job_name"`
	LastRunAt  time.Time `json:"last_run_at"`
	LastStatus string    `json:"last_status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	slug TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	system_prompt TEXT DEFAULT '',
	llm_provider TEXT DEFAULT '',
	llm_model TEXT DEFAULT '',
	monthly_token_budget INTEGER DEFAULT 0,
	tokens_used INTEGER DEFAULT 0,
	usage_period TEXT DEFAULT '',
	thinking TEXT NOT NULL DEFAULT '{}',
	a2a TEXT NOT NULL DEFAULT '{}',
	schedule_mode TEXT NOT NULL DEFAULT 'manual',
	schedule_cron TEXT DEFAULT '',
	provider_flagged TEXT DEFAULT '',
	budget_paused_until DATETIME,
	last_run_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT DEFAULT '',
	description TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	agent_id TEXT DEFAULT '',
	parent_task_id TEXT DEFAULT '',
	board TEXT DEFAULT '',
	expects_result BOOLEAN DEFAULT 0,
	target_completion_at DATETIME,
	do_now_at DATETIME,
	completed_at DATETIME,
	outcome_summary TEXT DEFAULT '',
	outcome_links TEXT DEFAULT '[]',
	outcome_file_id TEXT DEFAULT '',
	outcome_audio_id TEXT DEFAULT '',
	outcome_email_status TEXT DEFAULT '',
	workflow_steps TEXT DEFAULT '[]',
	tool_call_log TEXT DEFAULT '[]',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, status);

CREATE TABLE IF NOT EXISTS agent_thoughts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	context TEXT DEFAULT '',
	related_task_id TEXT DEFAULT '',
	metadata TEXT DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thoughts_agent ON agent_thoughts(agent_id, id);

CREATE TABLE IF NOT EXISTS a2a_messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	from_agent_id TEXT DEFAULT '',
	to_agent_id TEXT NOT NULL,
	content TEXT NOT NULL,
	direction TEXT NOT NULL,
	automatic BOOLEAN DEFAULT 0,
	human_authored BOOLEAN DEFAULT 0,
	task_id TEXT DEFAULT '',
	seq INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_a2a_thread ON a2a_messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	resource TEXT NOT NULL,
	status TEXT NOT NULL,
	actor TEXT NOT NULL,
	detail TEXT DEFAULT '',
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp);

CREATE TABLE IF NOT EXISTS feed_items (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	content TEXT NOT NULL,
	task_id TEXT DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS skills (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT DEFAULT '',
	instructions TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(owner_id, name)
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT UNIQUE NOT NULL,
	last_run_at DATETIME,
	last_status TEXT DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
