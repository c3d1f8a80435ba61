package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

var (
	agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	agentImportCmd = &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update agents from a YAML definition file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentImport,
	}

	agentListCmd = &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE:  runAgentList,
	}

	agentPauseCmd = &cobra.Command{
		Use:   "pause <agent>",
		Short: "Stop scheduled runs for an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setPaused(cmd, args[0], true) },
	}

	agentResumeCmd = &cobra.Command{
		Use:   "resume <agent>",
		Short: "Resume scheduled runs and clear a provider flag",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setPaused(cmd, args[0], false) },
	}

	agentGoalCmd = &cobra.Command{
		Use:   "goal <agent> <goal>",
		Short: "Set the agent's current thinking goal",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runAgentGoal,
	}
)

func init() {
	agentListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	agentCmd.AddCommand(agentImportCmd, agentListCmd, agentPauseCmd, agentResumeCmd, agentGoalCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentImport(cmd *cobra.Command, args []string) error {
	file, err := config.LoadAgentFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, spec := range file.Agents {
		a, created, err := importAgent(store, spec)
		if err != nil {
			return fmt.Errorf("import %s: %w", spec.Slug, err)
		}
		verb := "Updated"
		if created {
			verb = "Created"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s agent %s (%s)\n", verb, a.Slug, a.ID)
	}
	return nil
}

// importAgent upserts one definition by slug. Usage counters and history
// of an existing agent are kept.
func importAgent(store *timeline.TimelineService, spec config.AgentSpec) (*timeline.Agent, bool, error) {
	providerID, model := provider.ParseModelString(spec.Model)
	a := &timeline.Agent{
		Slug:         spec.Slug,
		Name:         spec.Name,
		OwnerID:      spec.Owner,
		SystemPrompt: spec.SystemPrompt,
		LLM: timeline.LLMConfig{
			Provider:           providerID,
			Model:              model,
			MonthlyTokenBudget: spec.MonthlyTokenBudget,
		},
		A2A: timeline.A2AConfig{
			Enabled:           spec.A2A.Enabled,
			AllowPublicAgents: spec.A2A.AllowPublicAgents,
			AutoRespond:       spec.A2A.AutoRespond,
			MaxAutoReplyHops:  spec.A2A.MaxAutoReplyHops,
		},
		Schedule: timeline.Schedule{
			Mode: timeline.ScheduleMode(spec.Schedule.Mode),
			Cron: spec.Schedule.Cron,
		},
	}
	if a.Schedule.Mode == "" {
		a.Schedule.Mode = timeline.ScheduleManual
	}

	existing, err := store.GetAgentBySlug(spec.Slug)
	switch {
	case errors.Is(err, timeline.ErrNotFound):
		a.Thinking = timeline.ThinkingState{Enabled: spec.Thinking.Enabled, CurrentGoal: spec.Thinking.Goal}
		created, err := store.CreateAgent(a)
		return created, true, err
	case err != nil:
		return nil, false, err
	}

	a.ID = existing.ID
	if a.Name == "" {
		a.Name = existing.Name
	}
	if err := store.UpdateAgentConfig(a); err != nil {
		return nil, false, err
	}
	if _, err := store.UpdateThinking(a.ID, func(s *timeline.ThinkingState) {
		s.Enabled = spec.Thinking.Enabled
		if spec.Thinking.Goal != "" {
			s.SetGoal(spec.Thinking.Goal)
		}
	}); err != nil {
		return nil, false, err
	}
	updated, err := store.GetAgent(a.ID)
	return updated, false, err
}

func runAgentList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	agents, err := store.ListAgents()
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), agents)
	}
	w := cmd.OutOrStdout()
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents. Import some with 'taskclaw agent import'.")
		return nil
	}
	now := time.Now()
	for _, a := range agents {
		state := "active"
		switch {
		case a.ProviderFlagged != "":
			state = "flagged: " + a.ProviderFlagged
		case a.Thinking.IsPaused:
			state = "paused"
		case a.BudgetPausedUntil != nil && a.BudgetPausedUntil.After(now):
			state = "budget paused until " + a.BudgetPausedUntil.Format("2006-01-02")
		}
		schedule := string(a.Schedule.Mode)
		if a.Schedule.Cron != "" {
			schedule += " " + a.Schedule.Cron
		}
		budget := "unlimited"
		if a.LLM.MonthlyTokenBudget > 0 {
			budget = fmt.Sprintf("%d/%d", a.LLM.TokensUsed, a.LLM.MonthlyTokenBudget)
		}
		fmt.Fprintf(w, "%-20s %-18s %-12s %s\n", a.Slug, schedule, budget, state)
	}
	return nil
}

func setPaused(cmd *cobra.Command, ref string, paused bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := resolveAgent(store, ref)
	if err != nil {
		return err
	}
	if _, err := store.UpdateThinking(a.ID, func(s *timeline.ThinkingState) {
		if paused {
			s.Pause()
		} else {
			s.Resume()
		}
	}); err != nil {
		return err
	}
	action := "agent_pause"
	if !paused {
		action = "agent_resume"
		if a.ProviderFlagged != "" {
			if err := store.FlagProvider(a.ID, ""); err != nil {
				return err
			}
		}
	}
	if err := store.AppendAudit(timeline.AuditEntry{Action: action, Resource: "agent:" + a.ID, Status: "allowed", Actor: "cli"}); err != nil {
		return err
	}
	if paused {
		fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", a.Slug)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", a.Slug)
	}
	return nil
}

func runAgentGoal(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(strings.Join(args[1:], " "))
	if goal == "" {
		return fmt.Errorf("goal must not be empty")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := resolveAgent(store, args[0])
	if err != nil {
		return err
	}
	if _, err := store.UpdateThinking(a.ID, func(s *timeline.ThinkingState) { s.SetGoal(goal) }); err != nil {
		return err
	}
	if _, err := store.AddThought(&timeline.AgentThought{
		AgentID: a.ID,
		Type:    timeline.ThoughtGoalUpdate,
		Content: goal,
		Context: "set by owner",
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Goal for %s: %s\n", a.Slug, goal)
	return nil
}
