// Package policy authorizes tool calls requested by agents.
package policy

import (
	"fmt"
	"time"

	"github.com/KafClaw/taskclaw/internal/tools"
)

// Message origins. A run triggered by another agent's A2A message is
// external; everything the scheduler or the owner starts is internal.
const (
	OriginInternal = "internal"
	OriginExternal = "external"
)

// Context holds information about a pending tool execution.
type Context struct {
	AgentID   string
	OwnerID   string
	Tool      string
	Tier      int
	Arguments map[string]any
	TaskID    string
	Origin    string
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
	Tier   int
	Ts     time.Time
}

// Engine evaluates whether a tool execution should proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine checks the tool tier against the configured ceilings and
// an optional agent allowlist.
type DefaultEngine struct {
	// MaxAutoTier is the highest tier that is auto-approved (default: 1).
	// Tools with tier > MaxAutoTier are denied.
	MaxAutoTier int
	// ExternalMaxTier is the highest tier for runs started by A2A messages.
	// Defaults to 0 (read-only).
	ExternalMaxTier int
	// AllowedAgents restricts tier 1+ tools to these agents when non-empty.
	AllowedAgents map[string]bool

	now func() time.Time
}

// NewDefaultEngine creates a policy engine with the given auto tier.
func NewDefaultEngine(maxAutoTier int) *DefaultEngine {
	return &DefaultEngine{
		MaxAutoTier: maxAutoTier,
		now:         time.Now,
	}
}

// Evaluate checks tool tier and agent authorization.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	d := Decision{
		Tier: ctx.Tier,
		Ts:   now(),
	}

	// Tier 0 tools are always allowed
	if ctx.Tier == tools.TierReadOnly {
		d.Allow = true
		d.Reason = "tier_0_always_allowed"
		return d
	}

	if len(e.AllowedAgents) > 0 && !e.AllowedAgents[ctx.AgentID] {
		d.Reason = fmt.Sprintf("agent_not_authorized: %s", ctx.AgentID)
		return d
	}

	effectiveMaxTier := e.MaxAutoTier
	if ctx.Origin == OriginExternal {
		effectiveMaxTier = e.ExternalMaxTier
	}

	if ctx.Tier > effectiveMaxTier {
		if ctx.Origin == OriginExternal {
			d.Reason = fmt.Sprintf("tier_%d_denied_for_external_message", ctx.Tier)
		} else {
			d.Reason = fmt.Sprintf("tier_%d_above_auto_tier_%d", ctx.Tier, effectiveMaxTier)
		}
		return d
	}

	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_auto_approved", ctx.Tier)
	return d
}
