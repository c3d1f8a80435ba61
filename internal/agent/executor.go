package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/taskclaw/internal/a2a"
	"github.com/KafClaw/taskclaw/internal/bus"
	"github.com/KafClaw/taskclaw/internal/delivery"
	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/policy"
	"github.com/KafClaw/taskclaw/internal/security"
	"github.com/KafClaw/taskclaw/internal/timeline"
	"github.com/KafClaw/taskclaw/internal/tools"
)

// Per-action results.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
)

// ActionResult records how one action was applied.
type ActionResult struct {
	Kind   string `json:"kind"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
	RefID  string `json:"refId,omitempty"`
}

// Delegator routes delegate_to_agent actions.
type Delegator interface {
	Delegate(ctx context.Context, from *timeline.Agent, targetSlug, content, threadID string) (*a2a.Delivery, error)
}

// ExecContext identifies the run an action batch belongs to.
type ExecContext struct {
	Agent *timeline.Agent
	// Task is the claimed task, nil for thinking and conversation runs.
	Task     *timeline.Task
	Actor    string
	ThreadID string
	Origin   string
}

// ExecState is what the pipeline needs to know after a batch.
type ExecState struct {
	Results             []ActionResult
	CompletedCurrent    bool
	FailedCurrent       bool
	BoilerplateRejected bool
	// ClosedCurrent is set when another writer closed the run's task first.
	ClosedCurrent       bool
}

// closeCurrent records a terminal write on the run's own task. A conflict
// only means another writer won when this batch has not closed it itself.
func (s *ExecState) closeCurrent(r ActionResult, flag *bool) {
	switch {
	case r.Result == ResultOK:
		*flag = true
	case r.Result == ResultConflict && !s.CompletedCurrent && !s.FailedCurrent:
		s.ClosedCurrent = true
	}
}

// Executed counts actions that were applied.
func (s *ExecState) Executed() int {
	n := 0
	for _, r := range s.Results {
		if r.Result == ResultOK {
			n++
		}
	}
	return n
}

// Executor applies parsed actions. Each action stands alone: a failed
// action never rolls back the ones before it.
type Executor struct {
	Store     *timeline.TimelineService
	Knowledge *knowledge.Store
	Tools     *tools.Registry
	Policy    policy.Engine
	Scanner   *security.Scanner
	Triggers  *bus.TriggerBus
	Delegator Delegator
	Outcomes  *OutcomeWriter
	Email     delivery.EmailSender
	Speaker   delivery.Speaker
	Images    delivery.ImageGenerator
	Feed      delivery.FeedMirror
	Metrics   *metrics.Metrics
}

// Execute applies actions in order.
func (e *Executor) Execute(ctx context.Context, ec ExecContext, actions []Action) *ExecState {
	state := &ExecState{}
	for _, a := range actions {
		res := e.apply(ctx, ec, a, state)
		res.Kind = a.Kind()
		state.Results = append(state.Results, res)
		e.Metrics.IncAction(res.Kind, res.Result)
		if res.Result == ResultFailed {
			slog.Warn("Action failed", "agent", ec.Agent.ID, "action", res.Kind, "detail", res.Detail)
		} else {
			slog.Debug("Action applied", "agent", ec.Agent.ID, "action", res.Kind, "result", res.Result)
		}
	}
	return state
}

func (e *Executor) apply(ctx context.Context, ec ExecContext, a Action, state *ExecState) ActionResult {
	switch act := a.(type) {
	case *CreateTask:
		return e.createTask(ec, act.Title, act.Description, act.Agent, act.Board, act.DueAt, act.ExpectsResult, "")
	case *CreateSubtask:
		parent := act.ParentTaskID
		if parent == "" && ec.Task != nil {
			parent = ec.Task.ID
		}
		if parent == "" {
			return failed("no parent task")
		}
		if _, res, ok := e.ownedTask(ec, parent); !ok {
			return res
		}
		assignee := act.Agent
		if assignee == "" {
			assignee = ec.Agent.Slug
		}
		return e.createTask(ec, act.Title, act.Description, assignee, "", "", false, parent)
	case *UpdateTaskStatus:
		return e.updateStatus(ctx, ec, act, state)
	case *MoveTask:
		return e.moveTask(ec, act)
	case *DelegateToAgent:
		return e.delegate(ctx, ec, act)
	case *CreateFeedItem:
		return e.createFeedItem(ctx, ec, act)
	case *CreateSkill:
		sk, err := e.Store.CreateSkill(&timeline.Skill{
			OwnerID:      ec.Agent.OwnerID,
			Name:         act.Name,
			Description:  act.Description,
			Instructions: act.Instructions,
		})
		if err != nil {
			return failed(err.Error())
		}
		return ActionResult{Result: ResultOK, RefID: sk.ID}
	case *UpdateSkill:
		sk, err := e.Store.UpdateSkill(ec.Agent.OwnerID, act.Name, act.Description, act.Instructions)
		if err != nil {
			return failed(err.Error())
		}
		return ActionResult{Result: ResultOK, RefID: sk.ID, Detail: fmt.Sprintf("version %d", sk.Version)}
	case *GenerateImage:
		return e.generateImage(ctx, ec, act)
	case *GenerateAudio:
		return e.generateAudio(ctx, ec, act)
	case *CallTool:
		return e.callTool(ctx, ec, act)
	case *CreateKnowledgeNode:
		return e.createNode(ctx, ec, act)
	case *LinkKnowledgeNodes:
		return e.linkNodes(ctx, ec, act)
	case *SendEmail:
		return e.sendEmail(ctx, ec, act)
	}
	return failed(fmt.Sprintf("no executor for %s", a.Kind()))
}

func failed(detail string) ActionResult { return ActionResult{Result: ResultFailed, Detail: detail} }

func skipped(detail string) ActionResult { return ActionResult{Result: ResultSkipped, Detail: detail} }

// casResult maps a store error from a conditional write.
func casResult(err error, refID string) ActionResult {
	switch {
	case err == nil:
		return ActionResult{Result: ResultOK, RefID: refID}
	case errors.Is(err, timeline.ErrConflict):
		return ActionResult{Result: ResultConflict, RefID: refID, Detail: "task changed concurrently"}
	default:
		return ActionResult{Result: ResultFailed, RefID: refID, Detail: err.Error()}
	}
}

// resolveAgent finds an agent of the same owner by slug.
func (e *Executor) resolveAgent(ec ExecContext, slug string) (*timeline.Agent, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, nil
	}
	if slug == ec.Agent.Slug {
		return ec.Agent, nil
	}
	target, err := e.Store.GetAgentBySlug(slug)
	if err != nil {
		return nil, err
	}
	if target.OwnerID != ec.Agent.OwnerID {
		return nil, fmt.Errorf("agent %q belongs to another owner", slug)
	}
	return target, nil
}

// ownedTask loads a task and checks it belongs to the agent's owner.
func (e *Executor) ownedTask(ec ExecContext, id string) (*timeline.Task, ActionResult, bool) {
	if ec.Task != nil && id == ec.Task.ID {
		return ec.Task, ActionResult{}, true
	}
	t, err := e.Store.GetTask(id)
	if err != nil {
		return nil, failed(err.Error()), false
	}
	if t.OwnerID != ec.Agent.OwnerID {
		return nil, failed("task belongs to another owner"), false
	}
	return t, ActionResult{}, true
}

func (e *Executor) createTask(ec ExecContext, title, description, assignee, board, dueAt string, expects bool, parentID string) ActionResult {
	target, err := e.resolveAgent(ec, assignee)
	if err != nil {
		return failed(err.Error())
	}
	if strings.TrimSpace(description) == "" {
		description = title
	}
	due, err := parseDue(dueAt)
	if err != nil {
		return failed(err.Error())
	}
	task := &timeline.Task{
		OwnerID:            ec.Agent.OwnerID,
		Title:              strings.TrimSpace(title),
		Description:        description,
		Board:              board,
		ExpectsResult:      expects,
		ParentTaskID:       parentID,
		TargetCompletionAt: due,
	}
	if target != nil {
		task.AgentID = target.ID
	}
	created, err := e.Store.CreateTask(task)
	if err != nil {
		return failed(err.Error())
	}
	if created.AgentID != "" {
		e.Triggers.TaskCreated(created.AgentID, created.ID, ec.Agent.ID)
	}
	return ActionResult{Result: ResultOK, RefID: created.ID}
}

func (e *Executor) updateStatus(ctx context.Context, ec ExecContext, act *UpdateTaskStatus, state *ExecState) ActionResult {
	id := act.TaskID
	if id == "" {
		if ec.Task == nil {
			return failed("no task to update")
		}
		id = ec.Task.ID
	}
	task, res, ok := e.ownedTask(ec, id)
	if !ok {
		return res
	}
	current := ec.Task != nil && id == ec.Task.ID

	switch timeline.TaskStatus(act.Status) {
	case timeline.TaskStatusInProgress:
		if current {
			return skipped("already in progress")
		}
		if task.AgentID != "" && task.AgentID != ec.Agent.ID {
			return failed("task " + id + " is assigned to another agent")
		}
		return casResult(e.Store.ClaimTaskFor(id, ec.Agent.ID), id)

	case timeline.TaskStatusFailed:
		reason := strings.TrimSpace(act.Outcome)
		if reason == "" {
			reason = "marked failed by agent " + ec.Agent.Slug
		}
		from := task.Status
		if current {
			from = timeline.TaskStatusInProgress
		}
		if from.Terminal() {
			return ActionResult{Result: ResultConflict, RefID: id, Detail: "task already " + string(from)}
		}
		r := casResult(e.Store.FailTask(id, from, reason), id)
		if current {
			state.closeCurrent(r, &state.FailedCurrent)
		}
		return r

	case timeline.TaskStatusCompleted:
		if current && task.ExpectsResult && IsBoilerplate(act.Outcome) {
			state.BoilerplateRejected = true
			return skipped("boilerplate outcome")
		}
		out, err := e.Outcomes.Prepare(ctx, act.Outcome, act.Links)
		if err != nil {
			return failed(err.Error())
		}
		r := casResult(e.Store.CompleteTask(id, out), id)
		if current {
			state.closeCurrent(r, &state.CompletedCurrent)
		}
		return r
	}
	return failed("bad status " + act.Status)
}

func (e *Executor) moveTask(ec ExecContext, act *MoveTask) ActionResult {
	if _, res, ok := e.ownedTask(ec, act.TaskID); !ok {
		return res
	}
	target, err := e.resolveAgent(ec, act.Agent)
	if err != nil {
		return failed(err.Error())
	}
	agentID := ""
	if target != nil {
		agentID = target.ID
	}
	r := casResult(e.Store.MoveTask(act.TaskID, agentID, act.Board), act.TaskID)
	if r.Result == ResultOK && agentID != "" && agentID != ec.Agent.ID {
		e.Triggers.TaskCreated(agentID, act.TaskID, ec.Agent.ID)
	}
	return r
}

func (e *Executor) delegate(ctx context.Context, ec ExecContext, act *DelegateToAgent) ActionResult {
	if e.Delegator == nil {
		return skipped("a2a not configured")
	}
	d, err := e.Delegator.Delegate(ctx, ec.Agent, act.Agent, act.Message, ec.ThreadID)
	if err != nil {
		return failed(err.Error())
	}
	if d.Blocked {
		return ActionResult{Result: ResultFailed, RefID: d.ThreadID, Detail: "blocked: " + d.Reason}
	}
	detail := fmt.Sprintf("%d repl(ies)", len(d.Replies))
	if d.HopLimited {
		detail += ", hop limit reached"
	}
	return ActionResult{Result: ResultOK, RefID: d.ThreadID, Detail: detail}
}

func (e *Executor) createFeedItem(ctx context.Context, ec ExecContext, act *CreateFeedItem) ActionResult {
	item := &timeline.FeedItem{AgentID: ec.Agent.ID, OwnerID: ec.Agent.OwnerID, Content: act.Content}
	if ec.Task != nil {
		item.TaskID = ec.Task.ID
	}
	created, err := e.Store.CreateFeedItem(item)
	if err != nil {
		return failed(err.Error())
	}
	if e.Feed != nil {
		if _, err := e.Feed.MirrorFeedItem(ctx, *created); err != nil {
			slog.Warn("Feed mirror failed", "item", created.ID, "error", err)
		}
	}
	return ActionResult{Result: ResultOK, RefID: created.ID}
}

// targetTask picks the explicit task id or the current task.
func (e *Executor) targetTask(ec ExecContext, id string) (string, ActionResult, bool) {
	if id == "" {
		if ec.Task == nil {
			return "", ActionResult{}, true
		}
		return ec.Task.ID, ActionResult{}, true
	}
	if _, res, ok := e.ownedTask(ec, id); !ok {
		return "", res, false
	}
	return id, ActionResult{}, true
}

func collaboratorResult(err error) ActionResult {
	if errors.Is(err, delivery.ErrNotConfigured) {
		return skipped(err.Error())
	}
	return failed(err.Error())
}

func (e *Executor) generateImage(ctx context.Context, ec ExecContext, act *GenerateImage) ActionResult {
	if e.Images == nil {
		return skipped(delivery.ErrNotConfigured.Error())
	}
	taskID, res, ok := e.targetTask(ec, act.TaskID)
	if !ok {
		return res
	}
	fileID, err := e.Images.GenerateImage(ctx, taskID, act.Prompt)
	if err != nil {
		return collaboratorResult(err)
	}
	if taskID != "" {
		if r := casResult(e.Store.SetTaskFile(taskID, fileID), fileID); r.Result != ResultOK {
			return r
		}
	}
	return ActionResult{Result: ResultOK, RefID: fileID}
}

func (e *Executor) generateAudio(ctx context.Context, ec ExecContext, act *GenerateAudio) ActionResult {
	if e.Speaker == nil {
		return skipped(delivery.ErrNotConfigured.Error())
	}
	taskID, res, ok := e.targetTask(ec, act.TaskID)
	if !ok {
		return res
	}
	audioID, err := e.Speaker.Speak(ctx, taskID, act.Text)
	if err != nil {
		return collaboratorResult(err)
	}
	if taskID != "" {
		if r := casResult(e.Store.SetTaskAudio(taskID, audioID), audioID); r.Result != ResultOK {
			return r
		}
	}
	return ActionResult{Result: ResultOK, RefID: audioID}
}

func (e *Executor) sendEmail(ctx context.Context, ec ExecContext, act *SendEmail) ActionResult {
	if e.Email == nil {
		return skipped(delivery.ErrNotConfigured.Error())
	}
	taskID, res, ok := e.targetTask(ec, act.TaskID)
	if !ok {
		return res
	}
	msgID, err := e.Email.SendEmail(ctx, delivery.Email{
		TaskID:  taskID,
		AgentID: ec.Agent.ID,
		To:      act.To,
		Subject: act.Subject,
		Body:    act.Body,
	})
	status := "sent"
	if err != nil {
		status = "failed"
	}
	if taskID != "" {
		if serr := e.Store.SetTaskEmailStatus(taskID, status); serr != nil {
			slog.Warn("Email status not recorded", "task", taskID, "error", serr)
		}
	}
	if err != nil {
		return collaboratorResult(err)
	}
	return ActionResult{Result: ResultOK, RefID: msgID}
}

// toolOutputLimit bounds what is kept in the tool call log.
const toolOutputLimit = 4000

func (e *Executor) callTool(ctx context.Context, ec ExecContext, act *CallTool) ActionResult {
	if e.Tools == nil {
		return failed("no tools registered")
	}
	tool, ok := e.Tools.Get(act.Tool)
	if !ok {
		return failed("unknown tool " + act.Tool)
	}
	tier := tools.ToolTier(tool)
	taskID := ""
	if ec.Task != nil {
		taskID = ec.Task.ID
	}
	input, _ := json.Marshal(act.Arguments)

	if e.Policy != nil {
		decision := e.Policy.Evaluate(policy.Context{
			AgentID:   ec.Agent.ID,
			OwnerID:   ec.Agent.OwnerID,
			Tool:      act.Tool,
			Tier:      tier,
			Arguments: act.Arguments,
			TaskID:    taskID,
			Origin:    ec.Origin,
		})
		if !decision.Allow {
			if err := e.Store.AppendAudit(timeline.AuditEntry{
				Action:   "tool:" + act.Tool,
				Resource: resourceFor(ec.Agent, ec.Task),
				Status:   "blocked",
				Actor:    ec.Agent.ID,
				Detail:   decision.Reason,
			}); err != nil {
				slog.Warn("Audit write failed", "tool", act.Tool, "error", err)
			}
			e.logToolCall(taskID, timeline.ToolCallEntry{Tool: act.Tool, Input: string(input), Output: decision.Reason, Status: "denied"})
			return skipped("policy: " + decision.Reason)
		}
	}

	output, err := e.Tools.Execute(tools.WithCaller(ctx, tools.Caller{
		AgentID: ec.Agent.ID,
		OwnerID: ec.Agent.OwnerID,
		TaskID:  taskID,
	}), act.Tool, act.Arguments)
	status := "ok"
	if err != nil {
		status = "error"
		output = "Error: " + err.Error()
	}
	if e.Scanner != nil {
		if v := e.Scanner.Scan(security.Input{Source: security.SourceToolOutput, Text: output}); v.Blocked() {
			status = "blocked"
			output = "[tool output withheld: " + v.Reason + "]"
		}
	}
	e.logToolCall(taskID, timeline.ToolCallEntry{Tool: act.Tool, Input: string(input), Output: truncateText(output, toolOutputLimit), Status: status})
	if err != nil {
		return failed(err.Error())
	}
	return ActionResult{Result: ResultOK, Detail: truncateText(output, 200)}
}

func (e *Executor) logToolCall(taskID string, entry timeline.ToolCallEntry) {
	if taskID == "" {
		return
	}
	if err := e.Store.AppendToolCall(taskID, entry); err != nil {
		slog.Warn("Tool call not logged", "task", taskID, "tool", entry.Tool, "error", err)
	}
}

func (e *Executor) createNode(ctx context.Context, ec ExecContext, act *CreateKnowledgeNode) ActionResult {
	if e.Knowledge == nil {
		return skipped("knowledge store not configured")
	}
	node, err := e.Knowledge.CreateNode(ctx, knowledge.Node{
		OwnerID:   ec.Agent.OwnerID,
		Type:      act.NodeType,
		Title:     act.Title,
		Content:   act.Content,
		Tags:      act.Tags,
		CreatedBy: ec.Agent.ID,
	})
	if err != nil {
		return failed(err.Error())
	}
	var broken []string
	for _, to := range act.LinkTo {
		if err := e.linkOwned(ctx, ec, node.ID, to, "related"); err != nil {
			broken = append(broken, to)
			slog.Warn("Knowledge link skipped", "from", node.ID, "to", to, "error", err)
		}
	}
	res := ActionResult{Result: ResultOK, RefID: node.ID}
	if len(broken) > 0 {
		res.Detail = "unlinked: " + strings.Join(broken, ", ")
	}
	return res
}

func (e *Executor) linkNodes(ctx context.Context, ec ExecContext, act *LinkKnowledgeNodes) ActionResult {
	if e.Knowledge == nil {
		return skipped("knowledge store not configured")
	}
	if err := e.linkOwned(ctx, ec, act.From, act.To, act.Relation); err != nil {
		return failed(err.Error())
	}
	return ActionResult{Result: ResultOK, RefID: act.From + "->" + act.To}
}

// linkOwned links two nodes after checking the far end is the owner's.
func (e *Executor) linkOwned(ctx context.Context, ec ExecContext, from, to, relation string) error {
	for _, id := range []string{from, to} {
		n, err := e.Knowledge.GetNode(ctx, id)
		if err != nil {
			return err
		}
		if n.OwnerID != ec.Agent.OwnerID {
			return fmt.Errorf("node %s belongs to another owner", id)
		}
	}
	return e.Knowledge.LinkNodes(ctx, knowledge.Link{From: from, To: to, Relation: relation})
}

func resourceFor(agent *timeline.Agent, task *timeline.Task) string {
	if task != nil {
		return "task:" + task.ID
	}
	return "agent:" + agent.ID
}
