package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/secrets"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ taskclaw Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	printHeader("📊 taskclaw Status")
	fmt.Fprintf(w, "Version: %s\n", version)

	path, _ := config.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintln(w, "Config:  ✓ Found ("+path+")")
	} else {
		fmt.Fprintln(w, "Config:  ✗ Not found, using defaults ("+path+")")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config:  ✗ %v\n", err)
		return err
	}

	if os.Getenv(secrets.MasterKeyEnv) != "" {
		fmt.Fprintln(w, "Vault:   ✓ Master key from environment")
	} else if _, err := os.Stat(cfg.Paths.VaultDir); err == nil {
		fmt.Fprintln(w, "Vault:   ✓ "+cfg.Paths.VaultDir)
	} else {
		fmt.Fprintln(w, "Vault:   ✗ Not initialised")
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(w, "Database: ✗ %v\n", err)
		return err
	}
	defer store.Close()
	fmt.Fprintln(w, "Database: ✓ "+cfg.Paths.DBPath)

	agents, err := store.ListAgents()
	if err != nil {
		return err
	}
	flagged, paused := 0, 0
	for _, a := range agents {
		if a.ProviderFlagged != "" {
			flagged++
		}
		if a.Thinking.IsPaused {
			paused++
		}
	}
	fmt.Fprintf(w, "Agents:  %d (%d paused, %d flagged)\n", len(agents), paused, flagged)

	for _, st := range []timeline.TaskStatus{timeline.TaskStatusPending, timeline.TaskStatusInProgress} {
		tasks, err := store.ListTasks(timeline.TaskFilter{Statuses: []timeline.TaskStatus{st}})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Tasks %-11s %d\n", string(st)+":", len(tasks))
	}

	jobs, err := store.ListScheduledJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		fmt.Fprintf(w, "Job %-16s last %s (%s)\n", j.JobName, j.LastRunAt.Local().Format(time.DateTime), j.LastStatus)
	}
	return nil
}
