package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"msgguard/alert"
)

func newClassifyCmd(g *globalFlags) *cobra.Command {
	var low, high float64
	cmd := &cobra.Command{
		Use:   "classify <score>",
		Short: "Print the alert level for a risk score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid score %q: %w", args[0], err)
			}
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("low") {
				cfg.Classifier.Low = low
			}
			if cmd.Flags().Changed("high") {
				cfg.Classifier.High = high
			}
			c, err := alert.NewClassifier(cfg.Classifier.Low, cfg.Classifier.High)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.Classify(score))
			return nil
		},
	}
	cmd.Flags().Float64Var(&low, "low", alert.DefaultLowThreshold, "Scores at or above this are MEDIUM.")
	cmd.Flags().Float64Var(&high, "high", alert.DefaultHighThreshold, "Scores at or above this are HIGH.")
	return cmd
}
