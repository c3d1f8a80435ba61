package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/a2a"
	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/provider/credentials"
	"github.com/KafClaw/taskclaw/internal/scheduler"
	"github.com/KafClaw/taskclaw/internal/secrets"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string       `json:"name"`
	Status  DoctorStatus `json:"status"`
	Message string       `json:"message"`
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, storage, credentials and the A2A broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		timeout, _ := cmd.Flags().GetDuration("kafka-timeout")
		report := runDoctor(cmd.Context(), timeout)
		if asJSON {
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			printDoctorReport(cmd.OutOrStdout(), report)
		}
		if report.HasFailures() {
			return fmt.Errorf("doctor found failing checks")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	doctorCmd.Flags().Duration("kafka-timeout", 5*time.Second, "Broker dial timeout")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(ctx context.Context, kafkaTimeout time.Duration) DoctorReport {
	var report DoctorReport

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report
	}
	report.add("config_load", DoctorPass, "config valid")

	if err := checkWritable(cfg.Paths.Home); err != nil {
		report.add("data_dir", DoctorFail, "%s is not writable: %v", cfg.Paths.Home, err)
		return report
	}
	report.add("data_dir", DoctorPass, "%s is writable", cfg.Paths.Home)

	store, err := openStore(cfg)
	if err != nil {
		report.add("database", DoctorFail, "open %s: %v", cfg.Paths.DBPath, err)
		return report
	}
	defer store.Close()
	agents, err := store.ListAgents()
	if err != nil {
		report.add("database", DoctorFail, "list agents: %v", err)
		return report
	}
	report.add("database", DoctorPass, "%s (%s) with %d agent(s)", cfg.Paths.DBPath, cfg.Paths.DBDriver, len(agents))

	vault, err := openVault(cfg)
	if err != nil {
		report.add("vault", DoctorWarn, "vault unavailable, keys come from env and config only: %v", err)
		vault = nil
	} else if names, err := vault.Names(); err != nil {
		report.add("vault", DoctorFail, "vault unreadable: %v", err)
		vault = nil
	} else {
		report.add("vault", DoctorPass, "%d stored key(s)", len(names))
	}

	checkCredentials(ctx, &report, cfg, vault, agents)
	checkSchedules(&report, agents)
	checkKafka(ctx, &report, cfg.A2A, kafkaTimeout)
	return report
}

func checkWritable(dir string) error {
	if err := config.EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

// checkCredentials resolves the key every agent's run would use. A missing
// key fails the check because the agent would be flagged on its next run.
func checkCredentials(ctx context.Context, report *DoctorReport, cfg *config.Config, vault *secrets.Vault, agents []timeline.Agent) {
	resolver := newResolver(cfg, vault)
	var missing []string
	for _, a := range agents {
		id := provider.NormalizeProviderID(orDefault(a.LLM.Provider, cfg.Providers.Default))
		if id == "vllm" {
			continue
		}
		_, err := resolver.Resolve(ctx, credentials.Request{AgentID: a.ID, OwnerID: a.OwnerID, Provider: id})
		if errors.Is(err, credentials.ErrNoCredential) {
			missing = append(missing, a.Slug+" ("+id+")")
			continue
		}
		if err != nil {
			report.add("credentials", DoctorFail, "agent %s: %v", a.Slug, err)
			return
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		report.add("credentials", DoctorFail, "no API key for %v; set one with 'taskclaw secret set'", missing)
		return
	}
	report.add("credentials", DoctorPass, "every agent resolves a key")
}

func checkSchedules(report *DoctorReport, agents []timeline.Agent) {
	for _, a := range agents {
		if a.Schedule.Mode != timeline.ScheduleCron {
			continue
		}
		if _, err := scheduler.ParseCron(a.Schedule.Cron); err != nil {
			report.add("schedules", DoctorFail, "agent %s: %v", a.Slug, err)
			return
		}
	}
	report.add("schedules", DoctorPass, "all cron schedules parse")
}

func checkKafka(ctx context.Context, report *DoctorReport, cfg config.A2AConfig, timeout time.Duration) {
	parts, err := a2a.CheckBroker(ctx, cfg, timeout)
	switch {
	case errors.Is(err, a2a.ErrNoBrokers):
		report.add("a2a_kafka", DoctorPass, "A2A mirror disabled (no brokers configured)")
	case err != nil:
		report.add("a2a_kafka", DoctorFail, "broker unreachable: %v", err)
	default:
		report.add("a2a_kafka", DoctorPass, "topic %s has %d partition(s)", orDefault(cfg.Topic, a2a.DefaultTopic), parts)
	}
}

func printDoctorReport(w io.Writer, r DoctorReport) {
	for _, c := range r.Checks {
		mark := color.GreenString("✓")
		switch c.Status {
		case DoctorWarn:
			mark = color.YellowString("!")
		case DoctorFail:
			mark = color.RedString("✗")
		}
		fmt.Fprintf(w, "%s %-12s %s\n", mark, c.Name, c.Message)
	}
}
