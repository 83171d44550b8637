package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"msgguard/config"
	"msgguard/logging"
)

var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags override the config file only when set on the command line.
type globalFlags struct {
	configPath string
	dbPath     string
	debug      bool
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "msgguard",
		Short: "Screens incoming messenger notifications for fraud",
		Long: `msgguard observes notifications from messaging apps, scores each message
with a remote fraud-analysis service, keeps a local history of the results and
raises an alert for suspicious messages.`,
		SilenceUsage: true,
	}
	g.register(root)

	root.AddCommand(
		newServeCmd(g),
		newHistoryCmd(g),
		newClassifyCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file path.")
	pf.StringVar(&g.dbPath, "db", "msgguard.db", "SQLite database path (overrides database.path).")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logs.")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json.")
}

// loadConfig reads the optional config file and merges the flags that were
// set explicitly.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.FileConfig, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.LoadConfig(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = g.dbPath
	}
	if flags.Changed("debug") {
		cfg.Debug = g.debug
		if g.debug && !flags.Changed("log-level") {
			cfg.Log.Level = "debug"
		}
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.FileConfig, out io.Writer) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Output:     out,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print msgguard version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "msgguard %s\n", Version)
			fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Built:  %s\n", BuildDate)
		},
	}
}
