package timeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, owner_id, COALESCE(title,''), description, status, COALESCE(agent_id,''),
	COALESCE(parent_task_id,''), COALESCE(board,''), COALESCE(expects_result,0),
	target_completion_at, do_now_at, completed_at,
	COALESCE(outcome_summary,''), COALESCE(outcome_links,'[]'), COALESCE(outcome_file_id,''),
	COALESCE(outcome_audio_id,''), COALESCE(outcome_email_status,''),
	COALESCE(workflow_steps,'[]'), COALESCE(tool_call_log,'[]'), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, links, steps, calls string
	var target, doNow, completed sql.NullTime
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &status, &t.AgentID,
		&t.ParentTaskID, &t.Board, &t.ExpectsResult,
		&target, &doNow, &completed,
		&t.OutcomeSummary, &links, &t.OutcomeFileID,
		&t.OutcomeAudioID, &t.OutcomeEmailStatus,
		&steps, &calls, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.TargetCompletionAt = timePtr(target)
	t.DoNowAt = timePtr(doNow)
	t.CompletedAt = timePtr(completed)
	_ = json.Unmarshal([]byte(links), &t.OutcomeLinks)
	_ = json.Unmarshal([]byte(steps), &t.WorkflowSteps)
	_ = json.Unmarshal([]byte(calls), &t.ToolCallLog)
	return &t, nil
}

// CreateTask inserts a new task. ID is generated if empty; status defaults to pending.
func (s *TimelineService) CreateTask(task *Task) (*Task, error) {
	if strings.TrimSpace(task.Description) == "" {
		return nil, fmt.Errorf("create task: description is required")
	}
	if task.ID == "" {
		task.ID = newID()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	now := s.stamp()
	_, err := s.db.Exec(`INSERT INTO tasks (id, owner_id, title, description, status, agent_id,
		parent_task_id, board, expects_result, target_completion_at, do_now_at,
		outcome_links, workflow_steps, tool_call_log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', '[]', '[]', ?, ?)`,
		task.ID, task.OwnerID, task.Title, task.Description, string(task.Status), task.AgentID,
		task.ParentTaskID, task.Board, task.ExpectsResult,
		nullTime(task.TargetCompletionAt), nullTime(task.DoNowAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(task.ID)
}

// GetTask returns a task by id.
func (s *TimelineService) GetTask(id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	OwnerID    string
	AgentID    string
	Statuses   []TaskStatus
	Unassigned bool
	ParentID   string
	Limit      int
}

// ListTasks returns tasks matching f, fast-tracked tasks first, then oldest first.
func (s *TimelineService) ListTasks(f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Unassigned {
		where = append(where, "(agent_id IS NULL OR agent_id = '')")
	}
	if f.ParentID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, f.ParentID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY (do_now_at IS NULL), do_now_at, created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// NextClaimableTask returns the next pending task assigned to agentID, or nil.
func (s *TimelineService) NextClaimableTask(agentID string) (*Task, error) {
	tasks, err := s.ListTasks(TaskFilter{AgentID: agentID, Statuses: []TaskStatus{TaskStatusPending}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// AgentsWithClaimableTasks returns ids of agents that have pending assigned tasks.
func (s *TimelineService) AgentsWithClaimableTasks() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT agent_id FROM tasks
		WHERE status = 'pending' AND agent_id IS NOT NULL AND agent_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("list claimable agents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionTask moves a task from one status to another only if it is still
// in the expected prior state. A lost race returns ErrConflict.
func (s *TimelineService) TransitionTask(id string, from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("transition task %s: %s -> %s not allowed", id, from, to)
	}
	now := s.stamp()
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{string(to), now}
	if to.Terminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))
	return s.execCAS("transition task", query, args...)
}

// ClaimTask moves a pending task to in_progress. Exactly one of several
// concurrent callers succeeds; the rest get ErrConflict.
func (s *TimelineService) ClaimTask(id string) error {
	return s.TransitionTask(id, TaskStatusPending, TaskStatusInProgress)
}

// ClaimTaskFor claims a pending task on behalf of agentID, assigning it in the
// same statement. A task assigned to a different agent is never claimed and
// returns ErrConflict.
func (s *TimelineService) ClaimTaskFor(id, agentID string) error {
	return s.execCAS("claim task", `UPDATE tasks SET status = 'in_progress', agent_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND (agent_id IS NULL OR agent_id = '' OR agent_id = ?)`,
		agentID, s.stamp(), id, agentID)
}

// CompleteTask records the outcome and moves an in_progress task to completed.
func (s *TimelineService) CompleteTask(id string, out Outcome) error {
	now := s.stamp()
	links := out.Links
	if links == nil {
		links = []string{}
	}
	return s.execCAS("complete task", `UPDATE tasks SET status = 'completed', outcome_summary = ?,
		outcome_links = ?, outcome_file_id = CASE WHEN ? != '' THEN ? ELSE outcome_file_id END,
		completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		out.Summary, marshalJSON(links), out.FileID, out.FileID, now, now, id)
}

// FailTask moves a task from the given status to failed with reason as outcome.
func (s *TimelineService) FailTask(id string, from TaskStatus, reason string) error {
	if !CanTransition(from, TaskStatusFailed) {
		return fmt.Errorf("fail task %s: %s is terminal", id, from)
	}
	now := s.stamp()
	return s.execCAS("fail task", `UPDATE tasks SET status = 'failed', outcome_summary = ?,
		completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		reason, now, now, id, string(from))
}

// TouchTask records progress on an in_progress task.
func (s *TimelineService) TouchTask(id string) error {
	_, err := s.db.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ? AND status = 'in_progress'`, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}

// SaveWorkflow replaces the workflow trace of a task in one statement. The
// write only lands while the task is still in status, the state the caller's
// own transition left it in; otherwise it returns ErrConflict.
func (s *TimelineService) SaveWorkflow(id string, status TaskStatus, steps []WorkflowStep) error {
	if steps == nil {
		steps = []WorkflowStep{}
	}
	res, err := s.db.Exec(`UPDATE tasks SET workflow_steps = ? WHERE id = ? AND status = ?`,
		marshalJSON(steps), id, string(status))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict("save workflow", id)
	}
	return nil
}

// AppendToolCall appends an entry to the task's tool call log. A failed task
// takes no further entries.
func (s *TimelineService) AppendToolCall(id string, entry ToolCallEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	defer tx.Rollback()

	var raw, status string
	if err := tx.QueryRow(`SELECT COALESCE(tool_call_log,'[]'), status FROM tasks WHERE id = ?`, id).Scan(&raw, &status); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("append tool call: task %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("append tool call: %w", err)
	}
	if TaskStatus(status) == TaskStatusFailed {
		return ErrConflict
	}
	var log []ToolCallEntry
	_ = json.Unmarshal([]byte(raw), &log)
	if entry.At.IsZero() {
		entry.At = s.stamp()
	}
	log = append(log, entry)
	res, err := tx.Exec(`UPDATE tasks SET tool_call_log = ? WHERE id = ? AND status != 'failed'`, marshalJSON(log), id)
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return tx.Commit()
}

// MoveTask reassigns a non-terminal task to another agent and/or board.
// Empty arguments leave the field unchanged.
func (s *TimelineService) MoveTask(id, agentID, board string) error {
	return s.execCAS("move task", `UPDATE tasks SET
		agent_id = CASE WHEN ? != '' THEN ? ELSE agent_id END,
		board = CASE WHEN ? != '' THEN ? ELSE board END,
		updated_at = ?
		WHERE id = ? AND status IN ('pending','in_progress')`,
		agentID, agentID, board, board, s.stamp(), id)
}

// MarkDoNow fast-tracks a pending task.
func (s *TimelineService) MarkDoNow(id string) error {
	now := s.stamp()
	return s.execCAS("mark do-now", `UPDATE tasks SET do_now_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, id)
}

// SetTaskAudio stores the generated audio reference on the task.
func (s *TimelineService) SetTaskAudio(id, audioID string) error {
	return s.setTaskField(id, "outcome_audio_id", audioID)
}

// SetTaskFile stores a generated file reference on the task.
func (s *TimelineService) SetTaskFile(id, fileID string) error {
	return s.setTaskField(id, "outcome_file_id", fileID)
}

// SetTaskEmailStatus records the outcome email delivery state.
func (s *TimelineService) SetTaskEmailStatus(id, status string) error {
	return s.setTaskField(id, "outcome_email_status", status)
}

// setTaskField writes an outcome column. Failed tasks are closed to late
// writers and return ErrConflict.
func (s *TimelineService) setTaskField(id, column, value string) error {
	res, err := s.db.Exec(`UPDATE tasks SET `+column+` = ? WHERE id = ? AND status != 'failed'`, value, id)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict("set "+column, id)
	}
	return nil
}

// missingOrConflict tells a missing row from a guarded update that matched
// nothing.
func (s *TimelineService) missingOrConflict(op, id string) error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: task %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ErrConflict
}

// ListStaleTasks returns in_progress tasks with no progress since before.
func (s *TimelineService) ListStaleTasks(before time.Time) ([]Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE status = 'in_progress' AND updated_at < ? ORDER BY updated_at`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ReconcileStaleTask force-fails a task that is still in_progress and has not
// progressed since before. The synthetic outcome and a failed workflow step
// are written in the same statement. Returns ErrConflict if the task finished
// or progressed in the meantime.
func (s *TimelineService) ReconcileStaleTask(id string, before time.Time, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("reconcile stale task: %w", err)
	}
	defer tx.Rollback()

	var raw string
	var updated time.Time
	err = tx.QueryRow(`SELECT COALESCE(workflow_steps,'[]'), updated_at FROM tasks WHERE id = ?`, id).Scan(&raw, &updated)
	if err == sql.ErrNoRows {
		return fmt.Errorf("reconcile stale task: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reconcile stale task: %w", err)
	}
	var steps []WorkflowStep
	_ = json.Unmarshal([]byte(raw), &steps)
	now := s.stamp()
	dur := now.Sub(updated).Milliseconds()
	steps = append(steps, WorkflowStep{
		Label:       "staleness_guard",
		Status:      StepFailed,
		StartedAt:   updated.UTC(),
		CompletedAt: &now,
		DurationMs:  &dur,
		Detail:      reason,
	})

	res, err := tx.Exec(`UPDATE tasks SET status = 'failed', outcome_summary = ?, workflow_steps = ?,
		completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND updated_at < ?`,
		reason, marshalJSON(steps), now, now, id, before.UTC())
	if err != nil {
		return fmt.Errorf("reconcile stale task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return tx.Commit()
}

func (s *TimelineService) execCAS(op, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
