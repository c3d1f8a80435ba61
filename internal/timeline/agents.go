package timeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const agentColumns = `id, slug, name, owner_id, COALESCE(system_prompt,''),
	COALESCE(llm_provider,''), COALESCE(llm_model,''), COALESCE(monthly_token_budget,0),
	COALESCE(tokens_used,0), COALESCE(usage_period,''),
	COALESCE(thinking,'{}'), COALESCE(a2a,'{}'), COALESCE(schedule_mode,'manual'), COALESCE(schedule_cron,''),
	COALESCE(provider_flagged,''), budget_paused_until, last_run_at, created_at, updated_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var thinking, a2a, mode string
	var paused, lastRun sql.NullTime
	err := row.Scan(&a.ID, &a.Slug, &a.Name, &a.OwnerID, &a.SystemPrompt,
		&a.LLM.Provider, &a.LLM.Model, &a.LLM.MonthlyTokenBudget,
		&a.LLM.TokensUsed, &a.LLM.UsagePeriod,
		&thinking, &a2a, &mode, &a.Schedule.Cron,
		&a.ProviderFlagged, &paused, &lastRun, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Schedule.Mode = ScheduleMode(mode)
	a.BudgetPausedUntil = timePtr(paused)
	a.LastRunAt = timePtr(lastRun)
	_ = json.Unmarshal([]byte(thinking), &a.Thinking)
	_ = json.Unmarshal([]byte(a2a), &a.A2A)
	return &a, nil
}

// CreateAgent inserts a new agent. ID is generated if empty.
func (s *TimelineService) CreateAgent(a *Agent) (*Agent, error) {
	a.Slug = strings.TrimSpace(a.Slug)
	if a.Slug == "" {
		return nil, fmt.Errorf("create agent: slug is required")
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Name == "" {
		a.Name = a.Slug
	}
	if a.Schedule.Mode == "" {
		a.Schedule.Mode = ScheduleManual
	}
	now := s.stamp()
	_, err := s.db.Exec(`INSERT INTO agents (id, slug, name, owner_id, system_prompt,
		llm_provider, llm_model, monthly_token_budget, tokens_used, usage_period,
		thinking, a2a, schedule_mode, schedule_cron, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Slug, a.Name, a.OwnerID, a.SystemPrompt,
		a.LLM.Provider, a.LLM.Model, a.LLM.MonthlyTokenBudget,
		marshalJSON(a.Thinking), marshalJSON(a.A2A), string(a.Schedule.Mode), a.Schedule.Cron, now, now)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return s.GetAgent(a.ID)
}

// UpdateAgentConfig replaces the owner-editable configuration of an agent.
// Token usage, thinking history and run bookkeeping are left untouched.
func (s *TimelineService) UpdateAgentConfig(a *Agent) error {
	res, err := s.db.Exec(`UPDATE agents SET name = ?, system_prompt = ?, llm_provider = ?, llm_model = ?,
		monthly_token_budget = ?, a2a = ?, schedule_mode = ?, schedule_cron = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.SystemPrompt, a.LLM.Provider, a.LLM.Model, a.LLM.MonthlyTokenBudget,
		marshalJSON(a.A2A), string(a.Schedule.Mode), a.Schedule.Cron, s.stamp(), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update agent %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// GetAgent returns an agent by id.
func (s *TimelineService) GetAgent(id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentBySlug returns an agent by slug.
func (s *TimelineService) GetAgentBySlug(slug string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE slug = ?`, strings.TrimSpace(slug)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by slug.
func (s *TimelineService) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateThinking applies fn to the agent's thinking state and persists the
// result. fn should call the ThinkingState transition methods.
func (s *TimelineService) UpdateThinking(agentID string, fn func(*ThinkingState)) (*ThinkingState, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("update thinking: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT COALESCE(thinking,'{}') FROM agents WHERE id = ?`, agentID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("update thinking: agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("update thinking: %w", err)
	}
	var state ThinkingState
	_ = json.Unmarshal([]byte(raw), &state)
	fn(&state)
	if _, err := tx.Exec(`UPDATE agents SET thinking = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(state), s.stamp(), agentID); err != nil {
		return nil, fmt.Errorf("update thinking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update thinking: %w", err)
	}
	return &state, nil
}

// AddTokenUsage adds tokens to the agent's counter for the period containing
// at. The counter resets when the period rolls over. Returns the new total.
func (s *TimelineService) AddTokenUsage(agentID string, tokens int, at time.Time) (int, error) {
	period := UsagePeriod(at)
	_, err := s.db.Exec(`UPDATE agents SET
		tokens_used = CASE WHEN usage_period = ? THEN tokens_used + ? ELSE ? END,
		usage_period = ?, updated_at = ?
		WHERE id = ?`, period, tokens, tokens, period, s.stamp(), agentID)
	if err != nil {
		return 0, fmt.Errorf("add token usage: %w", err)
	}
	var total int
	if err := s.db.QueryRow(`SELECT tokens_used FROM agents WHERE id = ?`, agentID).Scan(&total); err != nil {
		return 0, fmt.Errorf("add token usage: %w", err)
	}
	return total, nil
}

// PauseForBudget blocks autonomous runs for the agent until the given time.
func (s *TimelineService) PauseForBudget(agentID string, until time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET budget_paused_until = ?, updated_at = ? WHERE id = ?`,
		until.UTC(), s.stamp(), agentID)
	if err != nil {
		return fmt.Errorf("pause for budget: %w", err)
	}
	return nil
}

// FlagProvider marks the agent as having a non-transient provider failure.
// An empty reason clears the flag.
func (s *TimelineService) FlagProvider(agentID, reason string) error {
	_, err := s.db.Exec(`UPDATE agents SET provider_flagged = ?, updated_at = ? WHERE id = ?`,
		reason, s.stamp(), agentID)
	if err != nil {
		return fmt.Errorf("flag provider: %w", err)
	}
	return nil
}

// MarkAgentRun records when the agent last ran.
func (s *TimelineService) MarkAgentRun(agentID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE agents SET last_run_at = ? WHERE id = ?`, at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("mark agent run: %w", err)
	}
	return nil
}
