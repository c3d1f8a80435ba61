package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/memory"
	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/policy"
	"github.com/KafClaw/taskclaw/internal/security"
	"github.com/KafClaw/taskclaw/internal/timeline"
	"github.com/KafClaw/taskclaw/internal/tools"
)

// Trigger kinds recorded in the audit log.
const (
	TriggerSchedule    = "schedule"
	TriggerCron        = "cron"
	TriggerTaskCreated = "task_created"
	TriggerDoNow       = "do_now"
	TriggerManual      = "manual"
	TriggerA2A         = "a2a"
)

// Run statuses.
const (
	RunCompleted       = "completed"
	RunFailed          = "failed"
	RunBlocked         = "blocked"
	RunBudgetExhausted = "budget_exhausted"
	RunIdle            = "idle"
	RunSkipped         = "skipped"
)

// errBoilerplate fails a task whose result stayed a non-answer.
var errBoilerplate = errors.New("boilerplate outcome")

// ErrAgentBusy is returned when an agent already has a run in flight.
var ErrAgentBusy = errors.New("agent run already in progress")

// RunLocks leases an agent to one run at a time. The scheduler's lock
// table implements it; sharing one table keeps conversation replies and
// scheduled runs of the same agent apart.
type RunLocks interface {
	TryLock(agentID string) (uint64, bool)
	Unlock(agentID string, token uint64)
}

// Trigger is why a run started.
type Trigger struct {
	Kind string
	// TaskID pins the run to one task instead of the next claimable one.
	TaskID string
	Actor  string
}

// RunResult summarises one pipeline run.
type RunResult struct {
	AgentID  string                  `json:"agentId"`
	TaskID   string                  `json:"taskId,omitempty"`
	Trigger  string                  `json:"trigger"`
	Status   string                  `json:"status"`
	Reason   string                  `json:"reason,omitempty"`
	Reply    string                  `json:"reply,omitempty"`
	Thinking string                  `json:"thinking,omitempty"`
	Actions  []ActionResult          `json:"actions,omitempty"`
	Dropped  []DroppedAction         `json:"dropped,omitempty"`
	Workflow []timeline.WorkflowStep `json:"workflow,omitempty"`
	Provider string                  `json:"provider,omitempty"`
	Model    string                  `json:"model,omitempty"`
	Tokens   int                     `json:"tokens"`
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Store     *timeline.TimelineService
	Knowledge *knowledge.Store
	Memory    *memory.Store
	Scanner   *security.Scanner
	Invoker   *Invoker
	Executor  *Executor
	Tools     *tools.Registry
	Metrics   *metrics.Metrics
	// Locks guards conversation replies. Nil leaves them unserialised.
	Locks     RunLocks
	Now       func() time.Time
}

// Options tune a pipeline.
type Options struct {
	Limits ContextLimits
	// RunTimeout bounds a whole run; it matches the staleness window.
	RunTimeout time.Duration
}

// Pipeline runs agents: scan, build context, call the model, parse,
// execute and persist.
type Pipeline struct {
	store    *timeline.TimelineService
	memory   *memory.Store
	scanner  *security.Scanner
	invoker  *Invoker
	executor *Executor
	builder  *ContextBuilder
	metrics  *metrics.Metrics
	locks    RunLocks
	now      func() time.Time
	timeout  time.Duration
	tracer   trace.Tracer
}

// NewPipeline wires a pipeline. Store, Invoker and Executor are required.
func NewPipeline(d Deps, opts Options) *Pipeline {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	scanner := d.Scanner
	if scanner == nil {
		scanner = security.NewScanner(security.Options{})
	}
	builder := &ContextBuilder{
		Thoughts: d.Store,
		Tasks:    d.Store,
		Tools:    d.Tools,
		Limits:   opts.Limits,
	}
	if d.Memory != nil {
		builder.Memory = d.Memory
	}
	if d.Knowledge != nil {
		builder.Knowledge = d.Knowledge
	}
	return &Pipeline{
		store:    d.Store,
		memory:   d.Memory,
		scanner:  scanner,
		invoker:  d.Invoker,
		executor: d.Executor,
		builder:  builder,
		metrics:  d.Metrics,
		locks:    d.Locks,
		now:      now,
		timeout:  opts.RunTimeout,
		tracer:   otel.Tracer("github.com/KafClaw/taskclaw/internal/agent"),
	}
}

// RunPipeline runs agentID once. A claimed task always ends terminal. The
// error is reserved for failures before any work started; run outcomes
// are reported in RunResult.Status.
func (p *Pipeline) RunPipeline(ctx context.Context, agentID string, trig Trigger) (*RunResult, error) {
	if trig.Kind == "" {
		trig.Kind = TriggerManual
	}
	started := p.now()
	done := p.metrics.RunStarted()
	defer done()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx, span := p.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("run.trigger", trig.Kind),
	))
	defer span.End()

	agent, err := p.store.GetAgent(agentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res := &RunResult{AgentID: agent.ID, Trigger: trig.Kind}
	defer func() {
		span.SetAttributes(attribute.String("run.status", res.Status), attribute.Int("run.tokens", res.Tokens))
		if res.Status == RunFailed {
			span.SetStatus(codes.Error, res.Reason)
		}
		p.metrics.ObserveRun(trig.Kind, res.Status, p.now().Sub(started))
	}()

	task, err := p.selectTask(agent, trig)
	if err != nil {
		res.Status = RunSkipped
		res.Reason = err.Error()
		return res, err
	}
	if task == nil {
		if !agent.Thinking.Enabled || agent.Thinking.IsPaused {
			res.Status = RunIdle
			return res, nil
		}
	} else {
		res.TaskID = task.ID
		span.SetAttributes(attribute.String("task.id", task.ID))
		if task.Status == timeline.TaskStatusInProgress {
			// Only the worker whose claim won may touch it.
			res.Status = RunSkipped
			res.Reason = "task claimed by another worker"
			return res, nil
		}
	}

	tracker := NewTracker(p.now)
	if task != nil {
		taskID := task.ID
		tracker.OnStart(func(string) {
			if err := p.store.TouchTask(taskID); err != nil {
				slog.Debug("Task heartbeat failed", "task", taskID, "error", err)
			}
		})
	}

	// Security scan: the only gate that may veto a run before any cost.
	tracker.Start(PhaseSecurityScan)
	in := security.Input{Source: security.SourceGoal, Text: agent.Thinking.CurrentGoal}
	if task != nil {
		in = security.Input{Source: security.SourceTask, Text: strings.TrimSpace(task.Title + "\n" + task.Description)}
	}
	if v := p.scanner.Scan(in); v.Blocked() {
		reason := (&security.BlockedError{Verdict: v}).Error()
		tracker.Fail(PhaseSecurityScan, v.Category+": "+v.Reason)
		tracker.SkipRemaining("run vetoed by security scan")
		var held timeline.TaskStatus
		if task != nil {
			switch err := p.store.FailTask(task.ID, task.Status, reason); {
			case err == nil:
				held = timeline.TaskStatusFailed
			case !errors.Is(err, timeline.ErrConflict):
				slog.Warn("Vetoed task not failed", "task", task.ID, "error", err)
			}
		}
		slog.Warn("Run blocked by security scan", "agent", agent.ID, "task", res.TaskID, "category", v.Category, "pattern", v.Pattern)
		return p.finish(res, agent, task, held, trig, tracker, RunBlocked, reason), nil
	}
	tracker.Complete(PhaseSecurityScan, "")

	now := p.now()
	if agent.LLM.BudgetExhausted(timeline.UsagePeriod(now)) {
		until := timeline.NextPeriodStart(now)
		if err := p.store.PauseForBudget(agent.ID, until); err != nil {
			slog.Warn("Budget pause not recorded", "agent", agent.ID, "error", err)
		}
		tracker.SkipRemaining("monthly token budget exhausted")
		reason := fmt.Sprintf("%s; paused until %s", ErrBudgetExhausted, until.Format(time.RFC3339))
		var held timeline.TaskStatus
		if task != nil {
			held = task.Status
		}
		return p.finish(res, agent, task, held, trig, tracker, RunBudgetExhausted, reason), nil
	}

	if task != nil && task.Status == timeline.TaskStatusPending {
		if err := p.store.ClaimTask(task.ID); err != nil {
			if errors.Is(err, timeline.ErrConflict) {
				res.Status = RunSkipped
				res.Reason = "task claimed by another worker"
				return res, nil
			}
			return nil, err
		}
		task.Status = timeline.TaskStatusInProgress
	}

	p.process(ctx, agent, task, trig, tracker, res)
	return res, nil
}

// selectTask returns the pinned task or the next claimable one.
func (p *Pipeline) selectTask(agent *timeline.Agent, trig Trigger) (*timeline.Task, error) {
	if trig.TaskID == "" {
		return p.store.NextClaimableTask(agent.ID)
	}
	task, err := p.store.GetTask(trig.TaskID)
	if err != nil {
		return nil, err
	}
	switch {
	case task.OwnerID != agent.OwnerID:
		return nil, fmt.Errorf("task %s belongs to another owner", task.ID)
	case task.AgentID != "" && task.AgentID != agent.ID:
		return nil, fmt.Errorf("task %s is assigned to another agent", task.ID)
	case task.Status.Terminal():
		return nil, fmt.Errorf("task %s is already %s", task.ID, task.Status)
	case task.Status == timeline.TaskStatusInProgress:
		return task, nil
	}
	if task.AgentID == "" {
		if err := p.store.MoveTask(task.ID, agent.ID, ""); err != nil {
			return nil, fmt.Errorf("assign task %s: %w", task.ID, err)
		}
		task.AgentID = agent.ID
	}
	return task, nil
}

// process runs the phases after the claim. The deferred block fails the
// task on every exit that did not leave it terminal, panics included.
// held is the status this run's own writes left the task in; it is empty
// once another writer closed the task, and then the workflow is not saved.
func (p *Pipeline) process(ctx context.Context, agent *timeline.Agent, task *timeline.Task, trig Trigger, tracker *Tracker, res *RunResult) {
	terminal := false
	status := RunCompleted
	reason := ""
	var runErr error
	var held timeline.TaskStatus
	if task != nil {
		held = timeline.TaskStatusInProgress
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline run panicked", "agent", agent.ID, "task", res.TaskID, "panic", r, "stack", string(debug.Stack()))
			runErr = fmt.Errorf("panic: %v", r)
		}
		if runErr != nil {
			status, reason = RunFailed, runErr.Error()
			tracker.Abort(reason)
			tracker.SkipRemaining("run aborted")
			if task != nil && !terminal {
				switch err := p.store.FailTask(task.ID, timeline.TaskStatusInProgress, reason); {
				case err == nil:
					held = timeline.TaskStatusFailed
				case errors.Is(err, timeline.ErrConflict):
					held = ""
				default:
					slog.Warn("Task not failed after run error", "task", task.ID, "error", err)
				}
			}
		}
		p.finish(res, agent, task, held, trig, tracker, status, reason)
	}()

	taskID := ""
	if task != nil {
		taskID = task.ID
	}

	tracker.Start(PhaseContextBuild)
	bundle := p.builder.Build(ctx, agent, task)
	prompt := p.builder.Render(bundle, p.now())
	tracker.Complete(PhaseContextBuild, fmt.Sprintf("%d thoughts, %d pending, %d in progress, %d memory, %d knowledge",
		len(bundle.Thoughts), len(bundle.PendingTasks), len(bundle.InProgressTasks), len(bundle.Memory), len(bundle.Knowledge)))

	tracker.Start(PhaseModelCall)
	inv, err := p.invoke(ctx, agent, prompt, taskID)
	if err != nil {
		tracker.Fail(PhaseModelCall, err.Error())
		runErr = err
		return
	}
	res.Provider, res.Model = inv.Provider, inv.Model
	res.Tokens += inv.Usage.TotalTokens
	tracker.Complete(PhaseModelCall, fmt.Sprintf("%s/%s, %d tokens, %d attempt(s)", inv.Provider, inv.Model, inv.Usage.TotalTokens, inv.Attempts))

	tracker.Start(PhaseParseResponse)
	parsed := ParseResponse(inv.Content, inv.Thinking)
	res.Reply, res.Thinking, res.Dropped = parsed.Reply, parsed.Thinking, parsed.Dropped
	tracker.Complete(PhaseParseResponse, fmt.Sprintf("%d action(s), %d dropped", len(parsed.Actions), len(parsed.Dropped)))

	tracker.Start(PhaseExecuteActions)
	ec := ExecContext{Agent: agent, Task: task, Actor: trig.Actor, Origin: policy.OriginInternal}
	state := p.executor.Execute(ctx, ec, parsed.Actions)
	res.Actions = state.Results
	tracker.Complete(PhaseExecuteActions, fmt.Sprintf("%d of %d applied", state.Executed(), len(state.Results)))

	if task != nil {
		switch {
		case state.CompletedCurrent:
			terminal, held = true, timeline.TaskStatusCompleted
		case state.FailedCurrent:
			terminal, held = true, timeline.TaskStatusFailed
			status, reason = RunFailed, "failed by agent"
		case state.ClosedCurrent:
			terminal, held = true, ""
			status, reason = RunFailed, "task closed concurrently"
		default:
			closed, err := p.completeWithReply(ctx, agent, task, prompt, parsed, state, tracker, res)
			switch {
			case errors.Is(err, timeline.ErrConflict):
				// The staleness guard or another writer already closed it.
				terminal, held = true, ""
				status, reason = RunFailed, "task closed concurrently"
			case err != nil:
				runErr = err
				return
			default:
				terminal, held = true, closed
				if closed == timeline.TaskStatusFailed {
					status, reason = RunFailed, "failed by agent"
				}
			}
		}
	}

	tracker.Start(PhasePersist)
	p.persist(ctx, agent, task, trig, res)
	tracker.Complete(PhasePersist, "")
}

// completeWithReply closes the claimed task with the reply as outcome,
// re-prompting once when a result was expected but not given. It returns
// the terminal status its write left the task in.
func (p *Pipeline) completeWithReply(ctx context.Context, agent *timeline.Agent, task *timeline.Task, prompt Prompt, parsed Parsed, state *ExecState, tracker *Tracker, res *RunResult) (timeline.TaskStatus, error) {
	outcome := parsed.Reply
	if task.ExpectsResult && (state.BoilerplateRejected || IsBoilerplate(outcome)) {
		tracker.Start(PhaseCorrection)
		corrected, err := p.correct(ctx, agent, task, prompt, outcome, res)
		if err != nil {
			tracker.Fail(PhaseCorrection, err.Error())
			return "", err
		}
		switch {
		case corrected.CompletedCurrent:
			tracker.Complete(PhaseCorrection, "task closed by corrected answer")
			return timeline.TaskStatusCompleted, nil
		case corrected.FailedCurrent:
			tracker.Complete(PhaseCorrection, "task closed by corrected answer")
			return timeline.TaskStatusFailed, nil
		case corrected.ClosedCurrent:
			tracker.Fail(PhaseCorrection, "task closed concurrently")
			return "", timeline.ErrConflict
		}
		if IsBoilerplate(res.Reply) {
			tracker.Fail(PhaseCorrection, errBoilerplate.Error())
			return "", errBoilerplate
		}
		tracker.Complete(PhaseCorrection, "")
		outcome = res.Reply
	}

	var links []string
	for _, r := range state.Results {
		if r.Kind == ActionGenerateImage && r.Result == ResultOK {
			links = append(links, "blob:"+r.RefID)
		}
	}
	out, err := p.executor.Outcomes.Prepare(ctx, outcome, links)
	if err != nil {
		return "", err
	}
	if err := p.store.CompleteTask(task.ID, out); err != nil {
		return "", err
	}
	return timeline.TaskStatusCompleted, nil
}

const correctionNote = `## Correction
Your previous answer did not contain the result the owner asked for:
%q
Do the work now. Put the finished result in "reply" (or complete the task with update_task_status and the full outcome). Do not promise future work.`

// correct re-prompts once and applies the corrected answer's actions.
func (p *Pipeline) correct(ctx context.Context, agent *timeline.Agent, task *timeline.Task, prompt Prompt, previous string, res *RunResult) (*ExecState, error) {
	prompt.User += "\n\n" + fmt.Sprintf(correctionNote, truncateText(previous, 500))
	inv, err := p.invoke(ctx, agent, prompt, task.ID)
	if err != nil {
		return nil, err
	}
	res.Tokens += inv.Usage.TotalTokens
	parsed := ParseResponse(inv.Content, inv.Thinking)
	res.Reply = parsed.Reply
	res.Thinking = joinNonEmpty(res.Thinking, parsed.Thinking)
	res.Dropped = append(res.Dropped, parsed.Dropped...)
	state := p.executor.Execute(ctx, ExecContext{Agent: agent, Task: task, Origin: policy.OriginInternal}, parsed.Actions)
	res.Actions = append(res.Actions, state.Results...)
	if state.BoilerplateRejected {
		// Forces the boilerplate check on the reply.
		res.Reply = ""
	}
	return state, nil
}

// invoke calls the model and flags the agent on fatal provider errors.
func (p *Pipeline) invoke(ctx context.Context, agent *timeline.Agent, prompt Prompt, taskID string) (*Invocation, error) {
	ctx, span := p.tracer.Start(ctx, "agent.model_call", trace.WithAttributes(attribute.String("agent.id", agent.ID)))
	defer span.End()
	inv, err := p.invoker.Invoke(ctx, agent, prompt, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrProviderFatal) {
			if ferr := p.store.FlagProvider(agent.ID, err.Error()); ferr != nil {
				slog.Warn("Provider flag not recorded", "agent", agent.ID, "error", ferr)
			}
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.provider", inv.Provider), attribute.String("llm.model", inv.Model),
		attribute.Int("llm.tokens", inv.Usage.TotalTokens))
	return inv, nil
}

// persist writes memory, the thought and the run timestamp. Failures are
// logged; they never change the run outcome.
func (p *Pipeline) persist(ctx context.Context, agent *timeline.Agent, task *timeline.Task, trig Trigger, res *RunResult) {
	now := p.now()
	taskID := ""
	if task != nil {
		taskID = task.ID
	}

	if _, err := p.memory.Append(ctx, memory.Entry{
		AgentID: agent.ID,
		Content: runSummary(task, res),
		Source:  "pipeline:" + trig.Kind,
		TaskID:  taskID,
	}); err != nil {
		slog.Warn("Run memory not stored", "agent", agent.ID, "error", err)
	}

	thought := res.Thinking
	if thought == "" && task == nil {
		thought = res.Reply
	}
	if thought != "" {
		kind := timeline.ThoughtReasoning
		for _, r := range res.Actions {
			if r.Result == ResultOK {
				kind = timeline.ThoughtDecision
				break
			}
		}
		if _, err := p.store.AddThought(&timeline.AgentThought{
			AgentID:       agent.ID,
			Type:          kind,
			Content:       thought,
			Context:       trig.Kind,
			RelatedTaskID: taskID,
			Metadata:      map[string]any{"provider": res.Provider, "model": res.Model, "tokens": res.Tokens},
		}); err != nil {
			slog.Warn("Thought not stored", "agent", agent.ID, "error", err)
		}
		if _, err := p.store.UpdateThinking(agent.ID, func(s *timeline.ThinkingState) {
			s.RecordThought(truncateText(thought, 1000), now)
		}); err != nil {
			slog.Warn("Thinking state not updated", "agent", agent.ID, "error", err)
		}
	}

	if err := p.store.MarkAgentRun(agent.ID, now); err != nil {
		slog.Warn("Agent run time not recorded", "agent", agent.ID, "error", err)
	}
}

func runSummary(task *timeline.Task, res *RunResult) string {
	var sb strings.Builder
	if task != nil {
		label := task.Title
		if label == "" {
			label = truncateText(task.Description, 120)
		}
		fmt.Fprintf(&sb, "Task %q (%s)\n", label, task.ID)
	} else {
		sb.WriteString("Reflection run\n")
	}
	if res.Reply != "" {
		fmt.Fprintf(&sb, "Reply: %s\n", truncateText(res.Reply, 500))
	}
	if len(res.Actions) > 0 {
		parts := make([]string, 0, len(res.Actions))
		for _, r := range res.Actions {
			parts = append(parts, r.Kind+"="+r.Result)
		}
		fmt.Fprintf(&sb, "Actions: %s\n", strings.Join(parts, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// finish saves the workflow and writes the run's single audit entry. The
// workflow is written only while the task is still in held, the status this
// run left it in; an empty held means another writer owns the task now.
func (p *Pipeline) finish(res *RunResult, agent *timeline.Agent, task *timeline.Task, held timeline.TaskStatus, trig Trigger, tracker *Tracker, status, reason string) *RunResult {
	res.Status = status
	res.Reason = reason
	res.Workflow = tracker.Steps()

	resource := resourceFor(agent, task)
	if task != nil && held != "" {
		if err := p.store.SaveWorkflow(task.ID, held, res.Workflow); err != nil {
			if errors.Is(err, timeline.ErrConflict) {
				slog.Info("Workflow not saved, task closed by another writer", "task", task.ID)
			} else {
				slog.Warn("Workflow not saved", "task", task.ID, "error", err)
			}
		}
	}

	auditStatus := "allowed"
	switch status {
	case RunBlocked, RunBudgetExhausted:
		auditStatus = "blocked"
	case RunFailed:
		auditStatus = "failed"
	}
	detail := status
	if reason != "" {
		detail += ": " + reason
	}
	actor := trig.Actor
	if actor == "" {
		actor = "scheduler"
	}
	if err := p.store.AppendAudit(timeline.AuditEntry{
		Action:   "pipeline_run:" + trig.Kind,
		Resource: resource,
		Status:   auditStatus,
		Actor:    actor,
		Detail:   truncateText(detail, 1000),
	}); err != nil {
		slog.Warn("Audit write failed", "agent", agent.ID, "error", err)
	}

	slog.Info("Pipeline run finished", "agent", agent.Slug, "task", res.TaskID, "trigger", trig.Kind,
		"status", status, "tokens", res.Tokens, "actions", len(res.Actions))
	return res
}

// Respond answers an incoming A2A message in conversation mode. Actions in
// the answer run with external origin and stay on the same thread. The reply
// runs under the agent's lease; a busy agent returns ErrAgentBusy and the
// thread stays open. Every exit writes one audit entry.
func (p *Pipeline) Respond(ctx context.Context, agent *timeline.Agent, thread []timeline.A2AMessage, incoming *timeline.A2AMessage) (reply string, err error) {
	ctx, span := p.tracer.Start(ctx, "agent.respond", trace.WithAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.String("a2a.thread", incoming.ThreadID),
	))
	defer span.End()

	auditStatus := "allowed"
	defer func() {
		detail := "thread " + incoming.ThreadID
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			detail += ": " + err.Error()
		}
		if aerr := p.store.AppendAudit(timeline.AuditEntry{
			Action:   "pipeline_run:" + TriggerA2A,
			Resource: "agent:" + agent.ID,
			Status:   auditStatus,
			Actor:    orDash(incoming.FromAgentID),
			Detail:   truncateText(detail, 1000),
		}); aerr != nil {
			slog.Warn("Audit write failed", "agent", agent.ID, "error", aerr)
		}
	}()

	if p.locks != nil {
		token, ok := p.locks.TryLock(agent.ID)
		if !ok {
			auditStatus = "blocked"
			return "", fmt.Errorf("reply from %s: %w", agent.Slug, ErrAgentBusy)
		}
		defer p.locks.Unlock(agent.ID, token)
	}

	if agent.LLM.BudgetExhausted(timeline.UsagePeriod(p.now())) {
		auditStatus = "blocked"
		return "", ErrBudgetExhausted
	}

	bundle := p.builder.Build(ctx, agent, nil)
	bundle.Incoming = incoming
	for _, m := range thread {
		if m.ID != incoming.ID {
			bundle.Thread = append(bundle.Thread, m)
		}
	}
	prompt := p.builder.Render(bundle, p.now())

	inv, err := p.invoke(ctx, agent, prompt, incoming.TaskID)
	if err != nil {
		auditStatus = "failed"
		return "", err
	}
	parsed := ParseResponse(inv.Content, inv.Thinking)
	state := p.executor.Execute(ctx, ExecContext{
		Agent:    agent,
		Actor:    incoming.FromAgentID,
		ThreadID: incoming.ThreadID,
		Origin:   policy.OriginExternal,
	}, parsed.Actions)

	res := &RunResult{
		AgentID:  agent.ID,
		Trigger:  TriggerA2A,
		Reply:    parsed.Reply,
		Thinking: parsed.Thinking,
		Actions:  state.Results,
		Provider: inv.Provider,
		Model:    inv.Model,
		Tokens:   inv.Usage.TotalTokens,
	}
	p.persist(ctx, agent, nil, Trigger{Kind: TriggerA2A}, res)
	return parsed.Reply, nil
}
