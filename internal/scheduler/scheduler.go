package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/taskclaw/internal/agent"
	"github.com/KafClaw/taskclaw/internal/bus"
	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

// Actor recorded on audit entries the scheduler writes itself.
const Actor = "scheduler"

// ThoughtPruneJob is the name of the built-in thought retention job.
const ThoughtPruneJob = "thought_prune"

// Runner executes one agent run.
type Runner interface {
	RunPipeline(ctx context.Context, agentID string, trig agent.Trigger) (*agent.RunResult, error)
}

// Store is the slice of the timeline the scheduler reads and writes.
type Store interface {
	ListAgents() ([]timeline.Agent, error)
	AgentsWithClaimableTasks() ([]string, error)
	ListStaleTasks(before time.Time) ([]timeline.Task, error)
	ReconcileStaleTask(id string, before time.Time, reason string) error
	AppendAudit(e timeline.AuditEntry) error
	UpsertScheduledJob(name, status string, tick time.Time) error
	PruneThoughts(keep int) (int64, error)
}

// Job is a housekeeping task run from the tick when its cron is due.
type Job struct {
	Name string
	Cron *CronExpr
	Run  func(ctx context.Context, now time.Time) error
}

// Options are the optional collaborators of a Scheduler.
type Options struct {
	// Triggers is consumed by Run for immediate dispatch. May be nil.
	Triggers *bus.TriggerBus
	Metrics  *metrics.Metrics
	// LockPath is the cross-process tick lock. Empty disables it.
	LockPath string
	// Locks are the per-agent run leases. Share them with the pipeline so
	// conversation replies and scheduled runs of one agent never overlap.
	// Nil creates a private table.
	Locks    *AgentLocks
	Now      func() time.Time
}

// Candidate is an agent selected for a run by a tick.
type Candidate struct {
	AgentID string
	Trigger string
}

// RunOutcome is the result of one dispatched run.
type RunOutcome struct {
	AgentID string `json:"agentId"`
	Trigger string `json:"trigger"`
	TaskID  string `json:"taskId,omitempty"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TickReport summarises one tick.
type TickReport struct {
	At         time.Time    `json:"at"`
	Skipped    bool         `json:"skipped,omitempty"`
	Reconciled int          `json:"reconciled"`
	Jobs       []string     `json:"jobs,omitempty"`
	Runs       []RunOutcome `json:"runs,omitempty"`
}

// Scheduler runs the staleness guard and housekeeping jobs on a fixed
// interval, fans out eligible agents and dispatches triggers as they arrive.
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    Store
	runner   Runner
	triggers *bus.TriggerBus
	metrics  *metrics.Metrics
	now      func() time.Time

	locks    *AgentLocks
	sem      *Semaphore
	fileLock *FileLock

	mu       sync.RWMutex
	jobs     map[string]*Job
	crons    map[string]*CronExpr
	lastTick time.Time

	inflight sync.WaitGroup
}

// New creates a Scheduler and registers the thought retention job.
func New(cfg config.SchedulerConfig, store Store, runner Runner, opts Options) (*Scheduler, error) {
	def := config.DefaultConfig().Scheduler
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if cfg.ThoughtRetention <= 0 {
		cfg.ThoughtRetention = def.ThoughtRetention
	}
	if cfg.ThoughtPruneCron == "" {
		cfg.ThoughtPruneCron = def.ThoughtPruneCron
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		triggers: opts.Triggers,
		metrics:  opts.Metrics,
		now:      opts.Now,
		locks:    opts.Locks,
		sem:      NewSemaphore(cfg.MaxConcurrentRuns),
		jobs:     make(map[string]*Job),
		crons:    make(map[string]*CronExpr),
	}
	if s.locks == nil {
		s.locks = NewAgentLocks(cfg.StaleAfter)
		s.locks.now = opts.Now
	}
	if opts.LockPath != "" {
		s.fileLock = NewFileLock(opts.LockPath)
	}

	prune, err := ParseCron(cfg.ThoughtPruneCron)
	if err != nil {
		return nil, fmt.Errorf("thought prune schedule: %w", err)
	}
	s.Register(&Job{Name: ThoughtPruneJob, Cron: prune, Run: s.pruneThoughts})
	return s, nil
}

// Register adds a job to the scheduler.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	slog.Info("Scheduler job registered", "name", job.Name, "cron", job.Cron.String())
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Locks exposes the per-agent run locks.
func (s *Scheduler) Locks() *AgentLocks { return s.locks }

// Run ticks every TickInterval and dispatches triggers until ctx is
// cancelled. In-flight runs are awaited before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started",
		"tick", s.cfg.TickInterval, "stale_after", s.cfg.StaleAfter,
		"max_runs", s.sem.Cap(), "jobs", len(s.Jobs()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.tickLoop(gctx) })
	if s.triggers != nil {
		g.Go(func() error { return s.consumeTriggers(gctx) })
	}
	err := g.Wait()
	s.inflight.Wait()
	slog.Info("Scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.dispatch(ctx, s.now()); err != nil {
			slog.Warn("Scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) consumeTriggers(ctx context.Context) error {
	for {
		t, err := s.triggers.Consume(ctx)
		if err != nil {
			return err
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.HandleTrigger(ctx, t)
		}()
	}
}

// HandleTrigger runs the agent named by a bus trigger right away.
func (s *Scheduler) HandleTrigger(ctx context.Context, t *bus.Trigger) RunOutcome {
	kind := agent.TriggerTaskCreated
	if t.Kind == bus.KindDoNow {
		kind = agent.TriggerDoNow
	}
	return s.runOne(ctx, t.AgentID, agent.Trigger{Kind: kind, TaskID: t.TaskID, Actor: t.Actor}, true)
}

// Tick runs one scheduler pass at now: the staleness guard, due jobs and
// a fan-out of eligible agents. It returns after every run it dispatched
// has finished.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	report, candidates, err := s.prepare(ctx, now)
	if err != nil || report.Skipped {
		return report, err
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, c := range candidates {
		g.Go(func() error {
			out := s.runOne(ctx, c.AgentID, agent.Trigger{Kind: c.Trigger, Actor: Actor}, true)
			mu.Lock()
			report.Runs = append(report.Runs, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(report.Runs, func(i, k int) bool { return report.Runs[i].AgentID < report.Runs[k].AgentID })
	return report, nil
}

// dispatch is the tick used by Run. The guard and jobs run inline; agent
// runs start in the background and are tracked by inflight, so a hung run
// never delays the next tick. An agent still running is skipped by its
// lease, and a candidate that finds every slot taken waits for a later tick.
func (s *Scheduler) dispatch(ctx context.Context, now time.Time) (*TickReport, error) {
	report, candidates, err := s.prepare(ctx, now)
	if err != nil || report.Skipped {
		return report, err
	}
	if len(candidates) > 0 {
		slog.Debug("Scheduler tick dispatching", "candidates", len(candidates), "free_slots", s.sem.Available())
	}
	for _, c := range candidates {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.runOne(ctx, c.AgentID, agent.Trigger{Kind: c.Trigger, Actor: Actor}, false)
		}()
	}
	return report, nil
}

// prepare takes the cross-process lock for the selection phase, runs the
// staleness guard and due jobs and returns the agents to run.
func (s *Scheduler) prepare(ctx context.Context, now time.Time) (*TickReport, []Candidate, error) {
	report := &TickReport{At: now}
	if s.fileLock != nil {
		acquired, err := s.fileLock.TryLock()
		if err != nil {
			return report, nil, fmt.Errorf("scheduler lock: %w", err)
		}
		if !acquired {
			slog.Debug("Scheduler tick skipped: lock held by another process")
			report.Skipped = true
			return report, nil, nil
		}
		defer s.fileLock.Unlock()
	}

	prev := s.advance(now)

	n, err := s.ReconcileStale(now)
	if err != nil {
		slog.Warn("Staleness guard failed", "error", err)
	}
	report.Reconciled = n

	report.Jobs = s.runJobs(ctx, prev, now)

	candidates, err := s.Eligible(prev, now)
	if err != nil {
		return report, nil, err
	}
	return report, candidates, nil
}

// advance records now as the last tick and returns the previous one. The
// first tick looks back one interval.
func (s *Scheduler) advance(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastTick
	if prev.IsZero() || !prev.Before(now) {
		prev = now.Add(-s.cfg.TickInterval)
	}
	s.lastTick = now
	return prev
}

// ReconcileStale fails every in_progress task that has not progressed for
// StaleAfter. A task that finishes concurrently is left alone.
func (s *Scheduler) ReconcileStale(now time.Time) (int, error) {
	before := now.Add(-s.cfg.StaleAfter)
	tasks, err := s.store.ListStaleTasks(before)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		reason := fmt.Sprintf("Timed out: no progress for %s; marked failed by staleness guard", s.cfg.StaleAfter)
		err := s.store.ReconcileStaleTask(t.ID, before, reason)
		if errors.Is(err, timeline.ErrConflict) {
			slog.Debug("Stale task moved on before reconcile", "task", t.ID)
			continue
		}
		if err != nil {
			slog.Warn("Stale task reconcile failed", "task", t.ID, "error", err)
			continue
		}
		n++
		s.metrics.IncStaleReconciled()
		if err := s.store.AppendAudit(timeline.AuditEntry{
			Action:   "staleness_guard",
			Resource: "task:" + t.ID,
			Status:   "failed",
			Actor:    Actor,
			Detail:   reason,
		}); err != nil {
			slog.Warn("Staleness audit failed", "task", t.ID, "error", err)
		}
		slog.Info("Stale task failed", "task", t.ID, "agent", t.AgentID, "last_update", t.UpdatedAt)
	}
	return n, nil
}

func (s *Scheduler) runJobs(ctx context.Context, prev, now time.Time) []string {
	var ran []string
	for _, job := range s.Jobs() {
		if !job.Cron.Due(prev, now) {
			continue
		}
		status := "ok"
		if err := job.Run(ctx, now); err != nil {
			status = "error"
			slog.Warn("Scheduler job failed", "job", job.Name, "error", err)
		}
		if err := s.store.UpsertScheduledJob(job.Name, status, now); err != nil {
			slog.Debug("Scheduler job log failed", "job", job.Name, "error", err)
		}
		ran = append(ran, job.Name)
	}
	return ran
}

func (s *Scheduler) pruneThoughts(_ context.Context, _ time.Time) error {
	n, err := s.store.PruneThoughts(s.cfg.ThoughtRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Thoughts pruned", "removed", n, "keep", s.cfg.ThoughtRetention)
	}
	return nil
}

// Eligible selects the agents a tick at now should run: auto agents, cron
// agents whose schedule fired in (prev, now] and agents with claimable
// tasks. Paused, budget-paused and provider-flagged agents are skipped.
func (s *Scheduler) Eligible(prev, now time.Time) ([]Candidate, error) {
	agents, err := s.store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	claimable, err := s.store.AgentsWithClaimableTasks()
	if err != nil {
		return nil, fmt.Errorf("list claimable: %w", err)
	}
	hasWork := make(map[string]bool, len(claimable))
	for _, id := range claimable {
		hasWork[id] = true
	}

	var out []Candidate
	for _, a := range agents {
		if a.Thinking.IsPaused {
			continue
		}
		if a.BudgetPausedUntil != nil && a.BudgetPausedUntil.After(now) {
			continue
		}
		if a.ProviderFlagged != "" {
			slog.Debug("Agent skipped: provider flagged", "agent", a.ID, "reason", a.ProviderFlagged)
			continue
		}

		switch {
		case a.Schedule.Mode == timeline.ScheduleAuto:
			out = append(out, Candidate{AgentID: a.ID, Trigger: agent.TriggerSchedule})
		case a.Schedule.Mode == timeline.ScheduleCron && s.cronDue(a, prev, now):
			out = append(out, Candidate{AgentID: a.ID, Trigger: agent.TriggerCron})
		case hasWork[a.ID]:
			out = append(out, Candidate{AgentID: a.ID, Trigger: agent.TriggerSchedule})
		}
	}
	return out, nil
}

func (s *Scheduler) cronDue(a timeline.Agent, prev, now time.Time) bool {
	if a.Schedule.Cron == "" {
		return false
	}
	s.mu.Lock()
	expr, ok := s.crons[a.Schedule.Cron]
	if !ok {
		var err error
		expr, err = ParseCron(a.Schedule.Cron)
		if err != nil {
			s.mu.Unlock()
			slog.Warn("Agent cron invalid", "agent", a.ID, "cron", a.Schedule.Cron, "error", err)
			return false
		}
		s.crons[a.Schedule.Cron] = expr
	}
	s.mu.Unlock()
	return expr.Due(prev, now)
}

// ErrSaturated is returned by non-blocking dispatch when every run slot is
// taken.
var ErrSaturated = errors.New("scheduler: all run slots busy")

// RunAgent runs one agent under its run lock and the global concurrency
// limit, waiting for a free slot. A busy agent returns ErrAgentBusy.
func (s *Scheduler) RunAgent(ctx context.Context, agentID string, trig agent.Trigger) (*agent.RunResult, error) {
	return s.runAgent(ctx, agentID, trig, true)
}

func (s *Scheduler) runAgent(ctx context.Context, agentID string, trig agent.Trigger, wait bool) (res *agent.RunResult, err error) {
	token, ok := s.locks.TryLock(agentID)
	if !ok {
		return nil, ErrAgentBusy
	}
	defer s.locks.Unlock(agentID, token)

	if wait {
		if err := s.sem.Acquire(ctx); err != nil {
			return nil, err
		}
	} else if !s.sem.TryAcquire() {
		return nil, ErrSaturated
	}
	defer s.sem.Release()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Agent run panicked", "agent", agentID, "trigger", trig.Kind, "panic", r)
			res, err = nil, fmt.Errorf("agent %s run panicked: %v", agentID, r)
		}
	}()
	return s.runner.RunPipeline(ctx, agentID, trig)
}

func (s *Scheduler) runOne(ctx context.Context, agentID string, trig agent.Trigger, wait bool) RunOutcome {
	out := RunOutcome{AgentID: agentID, Trigger: trig.Kind, TaskID: trig.TaskID}
	res, err := s.runAgent(ctx, agentID, trig, wait)
	switch {
	case errors.Is(err, ErrAgentBusy):
		out.Status = "busy"
		slog.Debug("Agent skipped: run already in progress", "agent", agentID, "trigger", trig.Kind)
	case errors.Is(err, ErrSaturated):
		out.Status = "saturated"
		slog.Debug("Agent deferred: no free run slot", "agent", agentID, "trigger", trig.Kind)
	case err != nil:
		out.Status = "error"
		out.Error = err.Error()
		slog.Warn("Agent run failed", "agent", agentID, "trigger", trig.Kind, "error", err)
	case res != nil:
		out.Status = res.Status
		out.Reason = res.Reason
		if res.TaskID != "" {
			out.TaskID = res.TaskID
		}
	}
	return out
}
