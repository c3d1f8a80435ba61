package agent

import (
	"time"

	"github.com/KafClaw/taskclaw/internal/timeline"
)

// Pipeline phases, in execution order.
const (
	PhaseSecurityScan   = "security_scan"
	PhaseContextBuild   = "context_build"
	PhaseModelCall      = "model_call"
	PhaseParseResponse  = "parse_response"
	PhaseExecuteActions = "execute_actions"
	PhasePersist        = "persist"

	// PhaseCorrection only appears when a boilerplate outcome is re-prompted.
	PhaseCorrection = "boilerplate_correction"
)

// Phases lists the standard phases of a run.
var Phases = []string{
	PhaseSecurityScan,
	PhaseContextBuild,
	PhaseModelCall,
	PhaseParseResponse,
	PhaseExecuteActions,
	PhasePersist,
}

// Tracker records the timed workflow steps of one run. Timestamps never go
// backwards even if the clock does.
type Tracker struct {
	now     func() time.Time
	onStart func(label string)
	steps   []timeline.WorkflowStep
	index   map[string]int
	last    time.Time
}

// NewTracker creates a tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, index: make(map[string]int)}
}

// OnStart registers a hook called whenever a phase starts. The pipeline uses
// it to heartbeat the claimed task.
func (t *Tracker) OnStart(fn func(label string)) {
	t.onStart = fn
}

func (t *Tracker) stamp() time.Time {
	ts := t.now().UTC()
	if ts.Before(t.last) {
		ts = t.last
	}
	t.last = ts
	return ts
}

// Start opens a step.
func (t *Tracker) Start(label string) {
	t.index[label] = len(t.steps)
	t.steps = append(t.steps, timeline.WorkflowStep{
		Label:     label,
		Status:    timeline.StepInProgress,
		StartedAt: t.stamp(),
	})
	if t.onStart != nil {
		t.onStart(label)
	}
}

// Complete closes a step successfully.
func (t *Tracker) Complete(label, detail string) {
	t.finish(label, timeline.StepCompleted, detail)
}

// Fail closes a step as failed.
func (t *Tracker) Fail(label, detail string) {
	t.finish(label, timeline.StepFailed, detail)
}

// Skip records a step that never ran.
func (t *Tracker) Skip(label, detail string) {
	if _, ok := t.index[label]; ok {
		return
	}
	ts := t.stamp()
	var zero int64
	t.index[label] = len(t.steps)
	t.steps = append(t.steps, timeline.WorkflowStep{
		Label:       label,
		Status:      timeline.StepSkipped,
		StartedAt:   ts,
		CompletedAt: &ts,
		DurationMs:  &zero,
		Detail:      detail,
	})
}

// SkipRemaining marks every standard phase that has not started as skipped.
func (t *Tracker) SkipRemaining(detail string) {
	for _, p := range Phases {
		t.Skip(p, detail)
	}
}

func (t *Tracker) finish(label, status, detail string) {
	i, ok := t.index[label]
	if !ok {
		t.Start(label)
		i = t.index[label]
	}
	step := &t.steps[i]
	if step.CompletedAt != nil {
		return
	}
	ts := t.stamp()
	dur := ts.Sub(step.StartedAt).Milliseconds()
	step.Status = status
	step.CompletedAt = &ts
	step.DurationMs = &dur
	step.Detail = detail
}

// Steps returns a copy of the recorded steps.
func (t *Tracker) Steps() []timeline.WorkflowStep {
	out := make([]timeline.WorkflowStep, len(t.steps))
	copy(out, t.steps)
	return out
}

// Abort closes any open step as failed with detail.
func (t *Tracker) Abort(detail string) {
	for i := range t.steps {
		if t.steps[i].CompletedAt == nil {
			t.finish(t.steps[i].Label, timeline.StepFailed, detail)
		}
	}
}
