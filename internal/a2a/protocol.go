// Package a2a routes messages between agents and runs the bounded
// auto-reply loop on a thread.
package a2a

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/security"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

// HopCeiling caps any configured hop limit.
const HopCeiling = 10

var (
	// ErrA2ADisabled is returned when the target (or sending) agent has
	// A2A messaging turned off.
	ErrA2ADisabled = errors.New("a2a disabled")
	// ErrCrossOwner is returned when an agent addresses another owner's
	// agent without AllowPublicAgents.
	ErrCrossOwner = errors.New("cross-owner a2a not allowed")
)

// Store is the persistence the protocol needs.
type Store interface {
	GetAgent(id string) (*timeline.Agent, error)
	GetAgentBySlug(slug string) (*timeline.Agent, error)
	AppendA2AMessage(m *timeline.A2AMessage) (*timeline.A2AMessage, error)
	ThreadMessages(threadID string) ([]timeline.A2AMessage, error)
	AutoReplyHops(threadID string) (int, error)
	AppendAudit(e timeline.AuditEntry) error
}

// Responder produces an agent's reply to an incoming message. An empty
// reply ends the exchange.
type Responder interface {
	Respond(ctx context.Context, agent *timeline.Agent, thread []timeline.A2AMessage, incoming *timeline.A2AMessage) (string, error)
}

// Message is a delivery request.
type Message struct {
	ThreadID    string
	FromAgentID string
	ToAgentID   string
	Content     string
	TaskID      string
	// Automatic marks messages sent by an agent while continuing a thread.
	Automatic bool
	// HumanAuthored resets the thread's hop count.
	HumanAuthored bool
	// Remote messages arrive from another node; the sender is not local.
	Remote bool
	// Actor is recorded in the audit log. Defaults to the sender.
	Actor string
}

// Delivery reports what happened to a message.
type Delivery struct {
	ThreadID   string
	MessageID  string
	Blocked    bool
	Reason     string
	Replies    []timeline.A2AMessage
	HopLimited bool
}

// Protocol delivers messages and drives auto-replies.
type Protocol struct {
	store     Store
	scanner   *security.Scanner
	responder Responder
	publisher Publisher
	metrics   *metrics.Metrics
}

// Options configure a Protocol. Every field is optional.
type Options struct {
	Responder Responder
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// NewProtocol creates a protocol over store. A nil scanner uses the
// default catalogue.
func NewProtocol(store Store, scanner *security.Scanner, opts Options) *Protocol {
	if scanner == nil {
		scanner = security.NewScanner(security.Options{})
	}
	return &Protocol{
		store:     store,
		scanner:   scanner,
		responder: opts.Responder,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
	}
}

// SetResponder installs the responder after construction. The agent
// pipeline and the protocol reference each other.
func (p *Protocol) SetResponder(r Responder) { p.responder = r }

// Delegate sends content from one agent to the agent with targetSlug. An
// empty threadID starts a new thread; continuing a thread counts against
// its hop budget.
func (p *Protocol) Delegate(ctx context.Context, from *timeline.Agent, targetSlug, content, threadID string) (*Delivery, error) {
	if !from.A2A.Enabled {
		return nil, fmt.Errorf("%w for sender %s", ErrA2ADisabled, from.Slug)
	}
	target, err := p.store.GetAgentBySlug(strings.TrimSpace(targetSlug))
	if err != nil {
		return nil, fmt.Errorf("delegate: %w", err)
	}
	return p.Deliver(ctx, Message{
		ThreadID:    threadID,
		FromAgentID: from.ID,
		ToAgentID:   target.ID,
		Content:     content,
		Automatic:   threadID != "",
	})
}

// Deliver scans, stores and mirrors one message, then runs the auto-reply
// loop while the recipient has AutoRespond and the hop budget allows.
func (p *Protocol) Deliver(ctx context.Context, m Message) (*Delivery, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, errors.New("deliver: empty message")
	}
	if m.ThreadID == "" {
		m.ThreadID = uuid.NewString()
	}
	if m.Actor == "" {
		m.Actor = orHuman(m.FromAgentID)
	}

	to, err := p.store.GetAgent(m.ToAgentID)
	if err != nil {
		return nil, fmt.Errorf("deliver: %w", err)
	}
	if !to.A2A.Enabled {
		p.audit("a2a_deliver", m.ThreadID, "failed", m.Actor, "target "+to.Slug+" has a2a disabled")
		return nil, fmt.Errorf("%w for %s", ErrA2ADisabled, to.Slug)
	}

	var from *timeline.Agent
	switch {
	case m.Remote:
		if !to.A2A.AllowPublicAgents {
			p.audit("a2a_deliver", m.ThreadID, "failed", m.Actor, "remote sender to non-public agent "+to.Slug)
			return nil, fmt.Errorf("%w: %s does not accept remote agents", ErrCrossOwner, to.Slug)
		}
	case m.FromAgentID != "":
		from, err = p.store.GetAgent(m.FromAgentID)
		if err != nil {
			return nil, fmt.Errorf("deliver: sender: %w", err)
		}
		if from.OwnerID != to.OwnerID && !from.A2A.AllowPublicAgents {
			p.audit("a2a_deliver", m.ThreadID, "failed", m.Actor, "cross-owner target "+to.Slug)
			return nil, fmt.Errorf("%w: %s -> %s", ErrCrossOwner, from.Slug, to.Slug)
		}
	}

	d := &Delivery{ThreadID: m.ThreadID}
	if v := p.scanner.Scan(security.Input{Source: security.SourceA2A, Text: m.Content}); v.Blocked() {
		p.audit("a2a_deliver", m.ThreadID, "blocked", m.Actor, v.Reason)
		slog.Warn("A2A message blocked", "thread", m.ThreadID, "to", to.Slug, "reason", v.Reason)
		d.Blocked = true
		d.Reason = v.Reason
		return d, nil
	}

	stored, err := p.store.AppendA2AMessage(&timeline.A2AMessage{
		ThreadID:      m.ThreadID,
		FromAgentID:   m.FromAgentID,
		ToAgentID:     to.ID,
		Content:       m.Content,
		Direction:     timeline.DirectionInbound,
		Automatic:     m.Automatic,
		HumanAuthored: m.HumanAuthored,
		TaskID:        m.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("deliver: %w", err)
	}
	d.MessageID = stored.ID
	p.publish(ctx, stored)
	p.audit("a2a_deliver", m.ThreadID, "allowed", m.Actor, "to "+to.Slug)

	p.autoRespond(ctx, d, from, to, stored)
	return d, nil
}

// autoRespond alternates replies between the two parties. sender is nil
// for human and remote messages; their reply is stored and the loop ends.
func (p *Protocol) autoRespond(ctx context.Context, d *Delivery, sender, recipient *timeline.Agent, incoming *timeline.A2AMessage) {
	for p.responder != nil && recipient.A2A.AutoRespond && ctx.Err() == nil {
		hops, err := p.store.AutoReplyHops(d.ThreadID)
		if err != nil {
			slog.Warn("A2A hop count unavailable", "thread", d.ThreadID, "error", err)
			return
		}
		limit := min(recipient.A2A.HopLimit(), HopCeiling)
		if hops >= limit {
			p.audit("a2a_hop_limit", d.ThreadID, "blocked", recipient.ID,
				fmt.Sprintf("%d automatic replies reached limit %d for %s", hops, limit, recipient.Slug))
			p.metrics.IncHopSuppressed()
			slog.Info("A2A auto-reply suppressed", "thread", d.ThreadID, "agent", recipient.Slug, "hops", hops, "limit", limit)
			d.HopLimited = true
			return
		}

		thread, err := p.store.ThreadMessages(d.ThreadID)
		if err != nil {
			slog.Warn("A2A thread unavailable", "thread", d.ThreadID, "error", err)
			return
		}
		reply, err := p.responder.Respond(ctx, recipient, thread, incoming)
		if err != nil {
			slog.Warn("A2A auto-reply failed", "thread", d.ThreadID, "agent", recipient.Slug, "error", err)
			return
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			return
		}
		if v := p.scanner.Scan(security.Input{Source: security.SourceA2A, Text: reply}); v.Blocked() {
			p.audit("a2a_deliver", d.ThreadID, "blocked", recipient.ID, v.Reason)
			return
		}

		toID := incoming.FromAgentID
		stored, err := p.store.AppendA2AMessage(&timeline.A2AMessage{
			ThreadID:    d.ThreadID,
			FromAgentID: recipient.ID,
			ToAgentID:   toID,
			Content:     reply,
			Direction:   timeline.DirectionOutbound,
			Automatic:   true,
			TaskID:      incoming.TaskID,
		})
		if err != nil {
			slog.Warn("A2A auto-reply not stored", "thread", d.ThreadID, "error", err)
			return
		}
		d.Replies = append(d.Replies, *stored)
		p.publish(ctx, stored)

		if sender == nil {
			return
		}
		sender, recipient = recipient, sender
		incoming = stored
	}
}

func (p *Protocol) publish(ctx context.Context, m *timeline.A2AMessage) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, *m); err != nil {
		slog.Warn("A2A mirror publish failed", "thread", m.ThreadID, "error", err)
	}
}

func (p *Protocol) audit(action, threadID, status, actor, detail string) {
	err := p.store.AppendAudit(timeline.AuditEntry{
		Action:   action,
		Resource: "thread:" + threadID,
		Status:   status,
		Actor:    actor,
		Detail:   detail,
	})
	if err != nil {
		slog.Warn("Audit write failed", "action", action, "error", err)
	}
}

func orHuman(id string) string {
	if id == "" {
		return "human"
	}
	return id
}
