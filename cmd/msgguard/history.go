package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"msgguard/config"
	"msgguard/history"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the analysis history",
	}
	cmd.AddCommand(newHistoryListCmd(g), newHistoryDismissCmd(g))
	return cmd
}

// openHistory opens the configured database and history store. The returned
// func closes both.
func openHistory(cfg *config.FileConfig, logger *slog.Logger) (*history.Store, func(), error) {
	kv, err := history.OpenSQLiteKV(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	store := history.NewStore(kv, history.Options{
		Namespace: cfg.History.Namespace,
		MaxItems:  cfg.History.MaxItems,
		CacheTTL:  -1,
		Logger:    logger,
	})
	return store, func() {
		_ = store.Close()
		_ = kv.Close()
	}, nil
}

func newHistoryListCmd(g *globalFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List analyzed messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			store, closeStore, err := openHistory(cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			items, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && limit < len(items) {
				items = items[:limit]
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			return writeHistoryTable(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many items (0 = all).")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON.")
	return cmd
}

func writeHistoryTable(w io.Writer, items []history.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSENDER\tSCORE\tLEVEL\tDISMISSED")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\n",
			it.ID,
			time.UnixMilli(it.CreatedAt).Format("2006-01-02 15:04:05"),
			it.Sender,
			it.RiskScore,
			it.AlertLevel,
			it.Dismissed)
	}
	return tw.Flush()
}

func newHistoryDismissCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Mark a history item as dismissed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			store, closeStore, err := openHistory(cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Dismiss(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dismissed %s\n", args[0])
			return nil
		},
	}
}
