package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/taskclaw/internal/a2a"
	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, trigger dispatch, metrics endpoint and A2A inbox",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Scheduler.Enabled {
		return fmt.Errorf("scheduler is disabled (scheduler.enabled=false)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := newScheduler(st)
	if err != nil {
		return err
	}

	printHeader("🗓  taskclaw serve")
	fmt.Printf("Database: %s\n", cfg.Paths.DBPath)
	fmt.Printf("Tick:     %s (stale after %s)\n", cfg.Scheduler.TickInterval, cfg.Scheduler.StaleAfter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		fmt.Printf("Metrics:  http://%s/metrics\n", cfg.Metrics.Addr)
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, st.registry) })
	}
	if cfg.A2A.InboxEnabled {
		if inbox := a2a.NewKafkaInbox(cfg.A2A, st.protocol); inbox != nil {
			fmt.Printf("A2A:      %s on %s\n", cfg.A2A.Topic, cfg.A2A.KafkaBrokers)
			g.Go(func() error { return inbox.Run(gctx) })
		} else {
			slog.Warn("A2A inbox enabled but no brokers configured")
		}
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newScheduler(st *stack) (*scheduler.Scheduler, error) {
	return scheduler.New(st.cfg.Scheduler, st.store, st.pipeline, scheduler.Options{
		Triggers: st.triggers,
		Metrics:  st.metrics,
		LockPath: st.cfg.Paths.LockFile,
		Locks:    st.locks,
	})
}
