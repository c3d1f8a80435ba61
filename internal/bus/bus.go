// Package bus carries out-of-band run triggers from producers (the CLI,
// the action executor) to the scheduler.
package bus

import (
	"context"
	"log/slog"
	"time"
)

// Trigger kinds.
const (
	KindTaskCreated = "task_created"
	KindDoNow       = "do_now"
)

// Trigger asks the scheduler to run an agent now.
type Trigger struct {
	Kind      string    `json:"kind"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TriggerBus decouples trigger producers from the scheduler.
type TriggerBus struct {
	triggers chan *Trigger
}

// NewTriggerBus creates a bus buffering up to size triggers.
func NewTriggerBus(size int) *TriggerBus {
	if size <= 0 {
		size = 100
	}
	return &TriggerBus{triggers: make(chan *Trigger, size)}
}

// Publish enqueues a trigger without blocking. A full buffer drops the
// trigger; the next scheduler tick still finds the work.
func (b *TriggerBus) Publish(t *Trigger) bool {
	if b == nil || t == nil || t.AgentID == "" {
		return false
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	select {
	case b.triggers <- t:
		return true
	default:
		slog.Warn("Trigger bus full, dropping trigger", "kind", t.Kind, "agent", t.AgentID, "task", t.TaskID)
		return false
	}
}

// TaskCreated publishes a trigger for a newly assigned task.
func (b *TriggerBus) TaskCreated(agentID, taskID, actor string) bool {
	return b.Publish(&Trigger{Kind: KindTaskCreated, AgentID: agentID, TaskID: taskID, Actor: actor})
}

// DoNow publishes a fast-track trigger.
func (b *TriggerBus) DoNow(agentID, taskID, actor string) bool {
	return b.Publish(&Trigger{Kind: KindDoNow, AgentID: agentID, TaskID: taskID, Actor: actor})
}

// Consume blocks until a trigger is available or context is cancelled.
func (b *TriggerBus) Consume(ctx context.Context) (*Trigger, error) {
	select {
	case t := <-b.triggers:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of pending triggers.
func (b *TriggerBus) Size() int {
	return len(b.triggers)
}
