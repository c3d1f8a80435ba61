package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KafClaw/taskclaw/internal/scheduler"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

const researcherYAML = `agents:
  - slug: researcher
    name: Researcher
    owner: alice
    model: openai/gpt-4o-mini
    monthlyTokenBudget: 50000
    schedule: {mode: cron, cron: "*/15 * * * *"}
    thinking: {enabled: true, goal: "map the market"}
`

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// resetFlags restores flag defaults; cobra keeps flag values between
// executions of the same command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// setupHome points HOME and the config at a temp dir so every command uses
// a fresh database.
func setupHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("TASKCLAW_CONFIG", filepath.Join(tmpDir, ".taskclaw", "config.json"))
	t.Setenv("TASKCLAW_ENV_FILE", "")
	return tmpDir
}

func importResearcher(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte(researcherYAML), 0o600); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
	if _, err := runRootCommand(t, "agent", "import", path); err != nil {
		t.Fatalf("agent import failed: %v", err)
	}
}

func openTestStore(t *testing.T) *timeline.TimelineService {
	t.Helper()
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestAgentImportCreatesThenUpdates(t *testing.T) {
	tmpDir := setupHome(t)
	path := filepath.Join(tmpDir, "agents.yaml")
	if err := os.WriteFile(path, []byte(researcherYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runRootCommand(t, "agent", "import", path)
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if !strings.Contains(out, "Created agent researcher") {
		t.Fatalf("expected create message, got %q", out)
	}

	updated := strings.Replace(researcherYAML, "name: Researcher", "name: Market Researcher", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = runRootCommand(t, "agent", "import", path)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if !strings.Contains(out, "Updated agent researcher") {
		t.Fatalf("expected update message, got %q", out)
	}

	out, err = runRootCommand(t, "agent", "list", "--json")
	if err != nil {
		t.Fatalf("agent list failed: %v", err)
	}
	var agents []timeline.Agent
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("decode agents: %v\n%s", err, out)
	}
	if len(agents) != 1 {
		t.Fatalf("expected one agent after re-import, got %d", len(agents))
	}
	a := agents[0]
	if a.Name != "Market Researcher" || a.OwnerID != "alice" {
		t.Errorf("unexpected agent %+v", a)
	}
	if a.LLM.Provider != "openai" || a.LLM.Model != "gpt-4o-mini" || a.LLM.MonthlyTokenBudget != 50000 {
		t.Errorf("unexpected llm config %+v", a.LLM)
	}
	if a.Schedule.Mode != timeline.ScheduleMode("cron") || a.Schedule.Cron != "*/15 * * * *" {
		t.Errorf("unexpected schedule %+v", a.Schedule)
	}
	if a.Thinking.CurrentGoal != "map the market" {
		t.Errorf("expected goal to be seeded, got %q", a.Thinking.CurrentGoal)
	}
}

func TestAgentImportRejectsBadFile(t *testing.T) {
	tmpDir := setupHome(t)
	path := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - slug: a\n    schedule: {mode: hourly}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runRootCommand(t, "agent", "import", path); err == nil {
		t.Fatal("expected invalid schedule mode to fail")
	}
}

func TestTaskCreateListShow(t *testing.T) {
	tmpDir := setupHome(t)
	importResearcher(t, tmpDir)

	out, err := runRootCommand(t, "task", "create",
		"--agent", "researcher", "--title", "Competitors",
		"-d", "Summarise the three largest competitors", "--expects-result", "--json")
	if err != nil {
		t.Fatalf("task create failed: %v", err)
	}
	var task timeline.Task
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("decode task: %v\n%s", err, out)
	}
	if task.ID == "" || task.AgentID == "" {
		t.Fatalf("expected an assigned task, got %+v", task)
	}
	if task.OwnerID != "alice" {
		t.Errorf("owner should default to the agent's owner, got %q", task.OwnerID)
	}
	if task.Status != timeline.TaskStatusPending || !task.ExpectsResult {
		t.Errorf("unexpected task %+v", task)
	}

	out, err = runRootCommand(t, "task", "list", "--agent", "researcher", "--status", "pending", "--json")
	if err != nil {
		t.Fatalf("task list failed: %v", err)
	}
	var tasks []timeline.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("decode tasks: %v\n%s", err, out)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("expected the created task, got %+v", tasks)
	}

	out, err = runRootCommand(t, "task", "show", task.ID)
	if err != nil {
		t.Fatalf("task show failed: %v", err)
	}
	if !strings.Contains(out, "Summarise the three largest competitors") || !strings.Contains(out, "Competitors") {
		t.Errorf("show output missing task text:\n%s", out)
	}

	out, err = runRootCommand(t, "audit", "--action", "task_create", "--json")
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	var entries []timeline.AuditEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode audit: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].Resource != "task:"+task.ID || entries[0].Status != "allowed" {
		t.Errorf("unexpected audit entries %+v", entries)
	}
}

func TestTaskCreateRequiresDescription(t *testing.T) {
	setupHome(t)
	if _, err := runRootCommand(t, "task", "create", "--title", "empty"); err == nil {
		t.Fatal("expected missing description to fail")
	}
}

func TestTaskListRejectsUnknownStatus(t *testing.T) {
	setupHome(t)
	_, err := runRootCommand(t, "task", "list", "--status", "someday")
	if err == nil || !strings.Contains(err.Error(), "someday") {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestTaskDoNowMarksPendingTask(t *testing.T) {
	tmpDir := setupHome(t)
	importResearcher(t, tmpDir)

	out, err := runRootCommand(t, "task", "create", "--agent", "researcher", "-d", "check the inbox", "--json")
	if err != nil {
		t.Fatalf("task create failed: %v", err)
	}
	var task timeline.Task
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatal(err)
	}
	if task.DoNowAt != nil {
		t.Fatal("task should not start fast-tracked")
	}

	if _, err := runRootCommand(t, "task", "do-now", task.ID); err != nil {
		t.Fatalf("do-now failed: %v", err)
	}
	store := openTestStore(t)
	defer store.Close()
	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DoNowAt == nil {
		t.Error("expected do-now timestamp")
	}
	if got.Status != timeline.TaskStatusPending {
		t.Errorf("do-now without --run must not start the task, got %s", got.Status)
	}
}

func TestPauseResumeClearsProviderFlag(t *testing.T) {
	tmpDir := setupHome(t)
	importResearcher(t, tmpDir)

	store := openTestStore(t)
	a, err := store.GetAgentBySlug("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FlagProvider(a.ID, "invalid api key"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if _, err := runRootCommand(t, "agent", "pause", "researcher"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	store = openTestStore(t)
	a, err = store.GetAgent(a.ID)
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !a.Thinking.IsPaused {
		t.Fatal("expected agent to be paused")
	}

	if _, err := runRootCommand(t, "agent", "resume", a.ID); err != nil {
		t.Fatalf("resume by id failed: %v", err)
	}
	store = openTestStore(t)
	defer store.Close()
	a, err = store.GetAgent(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Thinking.IsPaused || a.ProviderFlagged != "" {
		t.Errorf("resume should unpause and clear the flag, got paused=%v flag=%q", a.Thinking.IsPaused, a.ProviderFlagged)
	}

	entries, err := store.ListAudit(timeline.AuditFilter{Resource: "agent:" + a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected pause and resume audit entries, got %+v", entries)
	}
}

func TestAgentGoal(t *testing.T) {
	tmpDir := setupHome(t)
	importResearcher(t, tmpDir)

	out, err := runRootCommand(t, "agent", "goal", "researcher", "ship", "the", "quarterly", "report")
	if err != nil {
		t.Fatalf("goal failed: %v", err)
	}
	if !strings.Contains(out, "ship the quarterly report") {
		t.Errorf("unexpected output %q", out)
	}
	store := openTestStore(t)
	defer store.Close()
	a, err := store.GetAgentBySlug("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if a.Thinking.CurrentGoal != "ship the quarterly report" {
		t.Errorf("goal not stored, got %q", a.Thinking.CurrentGoal)
	}
}

func TestUnknownAgentFails(t *testing.T) {
	setupHome(t)
	if _, err := runRootCommand(t, "agent", "pause", "ghost"); err == nil {
		t.Fatal("expected unknown agent to fail")
	}
}

func TestPrintTickReport(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	printTickReport(&buf, &scheduler.TickReport{
		At:         time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Reconciled: 1,
		Jobs:       []string{"thought_prune"},
		Runs: []scheduler.RunOutcome{
			{AgentID: "agent-1", Trigger: "schedule", Status: "completed"},
			{AgentID: "agent-2", Trigger: "cron", Status: "busy", Reason: "run in progress"},
		},
	})
	out := buf.String()
	for _, want := range []string{"2026-03-14T09:00:00Z", "Stale tasks failed: 1", "Job: thought_prune", "agent-1", "busy run in progress"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printTickReport(&buf, &scheduler.TickReport{Skipped: true})
	if !strings.Contains(buf.String(), "skipped") {
		t.Errorf("expected skipped notice, got %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	setupHome(t)
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("expected version %s in %q", version, out)
	}
}
