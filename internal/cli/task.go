package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/agent"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and fast-track tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a task, optionally assigned to an agent",
		RunE:  runTaskCreate,
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runTaskList,
	}

	taskShowCmd = &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its workflow trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskShow,
	}

	taskDoNowCmd = &cobra.Command{
		Use:   "do-now <task-id>",
		Short: "Fast-track a pending task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskDoNow,
	}
)

func init() {
	taskCreateCmd.Flags().String("agent", "", "Assign to this agent (id or slug)")
	taskCreateCmd.Flags().String("owner", "", "Owner id (defaults to the agent's owner)")
	taskCreateCmd.Flags().String("title", "", "Short title")
	taskCreateCmd.Flags().StringP("description", "d", "", "What the agent should do")
	taskCreateCmd.Flags().Bool("expects-result", false, "Require a substantive result")
	taskCreateCmd.Flags().Bool("do-now", false, "Fast-track the task")
	taskCreateCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	taskListCmd.Flags().String("agent", "", "Only tasks of this agent (id or slug)")
	taskListCmd.Flags().StringSlice("status", nil, "Filter by status (repeatable)")
	taskListCmd.Flags().Int("limit", 50, "Maximum tasks to list")
	taskListCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	taskShowCmd.Flags().Bool("json", false, "Output machine-readable JSON")

	taskDoNowCmd.Flags().Bool("run", false, "Also run the assigned agent in this process")
	taskDoNowCmd.Flags().String("actor", "cli", "Actor recorded in the audit log")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskDoNowCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	agentRef, _ := cmd.Flags().GetString("agent")
	owner, _ := cmd.Flags().GetString("owner")
	title, _ := cmd.Flags().GetString("title")
	desc, _ := cmd.Flags().GetString("description")
	expects, _ := cmd.Flags().GetBool("expects-result")
	doNow, _ := cmd.Flags().GetBool("do-now")
	asJSON, _ := cmd.Flags().GetBool("json")

	if strings.TrimSpace(desc) == "" {
		return fmt.Errorf("--description is required")
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

	task := &timeline.Task{Title: title, Description: desc, OwnerID: owner, ExpectsResult: expects}
	if agentRef != "" {
		a, err := resolveAgent(store, agentRef)
		if err != nil {
			return err
		}
		task.AgentID = a.ID
		if task.OwnerID == "" {
			task.OwnerID = a.OwnerID
		}
	}
	if doNow {
		now := time.Now().UTC()
		task.DoNowAt = &now
	}
	created, err := store.CreateTask(task)
	if err != nil {
		return err
	}
	if err := store.AppendAudit(timeline.AuditEntry{
		Action:   "task_create",
		Resource: "task:" + created.ID,
		Status:   "allowed",
		Actor:    orDefault(owner, "cli"),
		Detail:   "assigned to " + orDefault(created.AgentID, "nobody"),
	}); err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), created)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", created.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	agentRef, _ := cmd.Flags().GetString("agent")
	statuses, _ := cmd.Flags().GetStringSlice("status")
	limit, _ := cmd.Flags().GetInt("limit")
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

	f := timeline.TaskFilter{Limit: limit}
	if agentRef != "" {
		a, err := resolveAgent(store, agentRef)
		if err != nil {
			return err
		}
		f.AgentID = a.ID
	}
	for _, s := range statuses {
		st := timeline.TaskStatus(strings.TrimSpace(s))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	tasks, err := store.ListTasks(f)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), tasks)
	}
	w := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return nil
	}
	for _, t := range tasks {
		label := t.Title
		if label == "" {
			label = truncate(t.Description, 60)
		}
		fast := ""
		if t.DoNowAt != nil {
			fast = " ⚡"
		}
		fmt.Fprintf(w, "%s  %-12s %-20s %s%s\n", t.ID, statusColor(string(t.Status)), orDefault(t.AgentID, "-"), label, fast)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
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

	t, err := store.GetTask(args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), t)
	}
	printTask(cmd.OutOrStdout(), t)
	return nil
}

func printTask(w io.Writer, t *timeline.Task) {
	fmt.Fprintf(w, "Task:    %s\n", t.ID)
	if t.Title != "" {
		fmt.Fprintf(w, "Title:   %s\n", t.Title)
	}
	fmt.Fprintf(w, "Status:  %s\n", statusColor(string(t.Status)))
	fmt.Fprintf(w, "Agent:   %s\n", orDefault(t.AgentID, "-"))
	fmt.Fprintf(w, "Owner:   %s\n", orDefault(t.OwnerID, "-"))
	fmt.Fprintf(w, "\n%s\n", t.Description)
	if t.OutcomeSummary != "" {
		fmt.Fprintf(w, "\nOutcome: %s\n", t.OutcomeSummary)
	}
	if t.OutcomeFileID != "" {
		fmt.Fprintf(w, "File:    %s\n", t.OutcomeFileID)
	}
	for _, l := range t.OutcomeLinks {
		fmt.Fprintf(w, "Link:    %s\n", l)
	}
	if len(t.WorkflowSteps) > 0 {
		fmt.Fprintln(w, "\nWorkflow:")
		for _, s := range t.WorkflowSteps {
			dur := ""
			if s.DurationMs != nil {
				dur = fmt.Sprintf("%dms", *s.DurationMs)
			}
			fmt.Fprintf(w, "  %-20s %-10s %8s %s\n", s.Label, statusColor(s.Status), dur, s.Detail)
		}
	}
	if len(t.ToolCallLog) > 0 {
		fmt.Fprintln(w, "\nTool calls:")
		for _, c := range t.ToolCallLog {
			b, _ := json.Marshal(c)
			fmt.Fprintf(w, "  %s\n", b)
		}
	}
}

func runTaskDoNow(cmd *cobra.Command, args []string) error {
	runNow, _ := cmd.Flags().GetBool("run")
	actor, _ := cmd.Flags().GetString("actor")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !runNow {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.MarkDoNow(args[0]); err != nil {
			return fmt.Errorf("do-now %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s fast-tracked; the next tick picks it up.\n", args[0])
		return nil
	}

	st, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.store.MarkDoNow(args[0]); err != nil {
		return fmt.Errorf("do-now %s: %w", args[0], err)
	}
	t, err := st.store.GetTask(args[0])
	if err != nil {
		return err
	}
	if t.AgentID == "" {
		return fmt.Errorf("task %s is not assigned to an agent", t.ID)
	}
	sched, err := newScheduler(st)
	if err != nil {
		return err
	}
	res, err := sched.RunAgent(cmd.Context(), t.AgentID, agent.Trigger{Kind: agent.TriggerDoNow, TaskID: t.ID, Actor: actor})
	if err != nil {
		return err
	}
	printRunResult(cmd.OutOrStdout(), t.AgentID, res)
	return nil
}
