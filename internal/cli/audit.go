package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/timeline"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log, newest first",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().String("resource", "", "Filter by resource (e.g. task:<id>, agent:<id>)")
	auditCmd.Flags().String("action", "", "Filter by action")
	auditCmd.Flags().String("status", "", "Filter by status (allowed, blocked, failed)")
	auditCmd.Flags().Int("limit", 50, "Maximum entries")
	auditCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	f := timeline.AuditFilter{}
	f.Resource, _ = cmd.Flags().GetString("resource")
	f.Action, _ = cmd.Flags().GetString("action")
	f.Status, _ = cmd.Flags().GetString("status")
	f.Limit, _ = cmd.Flags().GetInt("limit")
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

	entries, err := store.ListAudit(f)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-8s %-22s %-28s %-12s %s\n",
			e.Timestamp.Local().Format(time.DateTime), statusColor(e.Status), e.Action, e.Resource, e.Actor, e.Detail)
	}
	return nil
}
