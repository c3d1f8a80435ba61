package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/a2a"
)

var (
	a2aCmd = &cobra.Command{
		Use:   "a2a",
		Short: "Agent-to-agent messaging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	a2aSendCmd = &cobra.Command{
		Use:   "send <to-agent> <message>",
		Short: "Send a message to an agent and print the replies",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runA2ASend,
	}
)

func init() {
	a2aSendCmd.Flags().String("from", "", "Send as this agent instead of as a human")
	a2aSendCmd.Flags().String("thread", "", "Continue an existing thread")
	a2aSendCmd.Flags().String("actor", "cli", "Actor recorded in the audit log")
	a2aSendCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	a2aCmd.AddCommand(a2aSendCmd)
	rootCmd.AddCommand(a2aCmd)
}

func runA2ASend(cmd *cobra.Command, args []string) error {
	fromRef, _ := cmd.Flags().GetString("from")
	threadID, _ := cmd.Flags().GetString("thread")
	actor, _ := cmd.Flags().GetString("actor")
	asJSON, _ := cmd.Flags().GetBool("json")
	content := strings.TrimSpace(strings.Join(args[1:], " "))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	to, err := resolveAgent(st.store, args[0])
	if err != nil {
		return err
	}
	msg := a2a.Message{
		ThreadID:      threadID,
		ToAgentID:     to.ID,
		Content:       content,
		HumanAuthored: true,
		Actor:         actor,
	}
	if fromRef != "" {
		from, err := resolveAgent(st.store, fromRef)
		if err != nil {
			return err
		}
		msg.FromAgentID = from.ID
		msg.HumanAuthored = false
		msg.Automatic = threadID != ""
		msg.Actor = from.ID
	}

	d, err := st.protocol.Deliver(cmd.Context(), msg)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), d)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Thread: %s\n", d.ThreadID)
	if d.Blocked {
		fmt.Fprintf(w, "Status: %s (%s)\n", statusColor("blocked"), d.Reason)
		return nil
	}
	for _, r := range d.Replies {
		fmt.Fprintf(w, "\n[%s] %s\n", orDefault(r.FromAgentID, "human"), r.Content)
	}
	if d.HopLimited {
		fmt.Fprintln(w, "\nAuto-reply chain stopped at the hop limit.")
	}
	return nil
}
