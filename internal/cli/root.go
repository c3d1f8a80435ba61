package cli

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/taskclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _            _       _\n" +
		" | |_ __ _ ___| | ____| | __ ___      __\n" +
		" | __/ _` / __| |/ / __| |/ _` \\ \\ /\\ / /\n" +
		" | || (_| \\__ \\   < (__| | (_| |\\ V  V /\n" +
		"  \\__\\__,_|___/_|\\_\\___|_|\\__,_| \\_/\\_/\n"
)

var (
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "taskclaw",
	Short:         "taskclaw - autonomous agent task pipeline",
	Long:          color.CyanString(logo) + "\nSchedules agents, runs their tasks through a model and records every step.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		if configPath != "" {
			return os.Setenv("TASKCLAW_CONFIG", configPath)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.taskclaw/config.json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func printHeader(title string) {
	color.New(color.FgCyan, color.Bold).Println(title)
}
