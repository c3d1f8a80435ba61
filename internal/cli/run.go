package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/agent"
)

var runCmd = &cobra.Command{
	Use:   "run <agent>",
	Short: "Run one agent now and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentNow,
}

func init() {
	runCmd.Flags().String("task", "", "Run this task instead of the next claimable one")
	runCmd.Flags().String("actor", "cli", "Actor recorded in the audit log")
	runCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	rootCmd.AddCommand(runCmd)
}

func runAgentNow(cmd *cobra.Command, args []string) error {
	taskID, _ := cmd.Flags().GetString("task")
	actor, _ := cmd.Flags().GetString("actor")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := resolveAgent(st.store, args[0])
	if err != nil {
		return err
	}
	sched, err := newScheduler(st)
	if err != nil {
		return err
	}
	res, err := sched.RunAgent(cmd.Context(), a.ID, agent.Trigger{
		Kind:   agent.TriggerManual,
		TaskID: strings.TrimSpace(taskID),
		Actor:  actor,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	printRunResult(cmd.OutOrStdout(), a.Slug, res)
	return nil
}

func printRunResult(w io.Writer, slug string, res *agent.RunResult) {
	fmt.Fprintf(w, "Agent:   %s\n", slug)
	fmt.Fprintf(w, "Status:  %s\n", statusColor(res.Status))
	if res.TaskID != "" {
		fmt.Fprintf(w, "Task:    %s\n", res.TaskID)
	}
	if res.Reason != "" {
		fmt.Fprintf(w, "Reason:  %s\n", res.Reason)
	}
	if res.Model != "" {
		fmt.Fprintf(w, "Model:   %s/%s (%d tokens)\n", res.Provider, res.Model, res.Tokens)
	}
	for _, step := range res.Workflow {
		fmt.Fprintf(w, "  %-20s %s\n", step.Label, statusColor(step.Status))
	}
	for _, a := range res.Actions {
		fmt.Fprintf(w, "  action %-16s %s %s\n", a.Kind, statusColor(a.Result), a.Detail)
	}
	for _, d := range res.Dropped {
		fmt.Fprintf(w, "  dropped %s: %s\n", d.Type, d.Reason)
	}
	if res.Reply != "" {
		fmt.Fprintf(w, "\n%s\n", res.Reply)
	}
}
