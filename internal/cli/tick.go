package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/scheduler"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass and wait for its runs to finish",
	RunE:  runTick,
}

func init() {
	tickCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
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

	sched, err := newScheduler(st)
	if err != nil {
		return err
	}
	report, err := sched.Tick(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printTickReport(cmd.OutOrStdout(), report)
	return nil
}

func printTickReport(w io.Writer, r *scheduler.TickReport) {
	if r.Skipped {
		fmt.Fprintln(w, "Tick skipped: another process holds the scheduler lock.")
		return
	}
	fmt.Fprintf(w, "Tick at %s\n", r.At.Format(time.RFC3339))
	fmt.Fprintf(w, "Stale tasks failed: %d\n", r.Reconciled)
	for _, j := range r.Jobs {
		fmt.Fprintf(w, "Job: %s\n", j)
	}
	if len(r.Runs) == 0 {
		fmt.Fprintln(w, "No agents eligible.")
		return
	}
	for _, run := range r.Runs {
		fmt.Fprintf(w, "  %-24s %-12s %s %s\n", run.AgentID, run.Trigger, statusColor(run.Status), run.Reason+run.Error)
	}
}

func statusColor(status string) string {
	switch status {
	case "completed", "ok", "allowed":
		return color.GreenString(status)
	case "failed", "error", "blocked":
		return color.RedString(status)
	case "busy", "budget_exhausted", "idle", "skipped":
		return color.YellowString(status)
	}
	return status
}
