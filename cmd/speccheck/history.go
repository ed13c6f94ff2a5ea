package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speccheck/speccheck/internal/config"
	"github.com/speccheck/speccheck/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history <workspace>",
	Short: "List recorded verification runs for a workspace",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workspace := args[0]
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load(workspace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}

		ctx := context.Background()
		store, err := storage.Open(ctx, cfg.History.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}
		defer store.Close()

		runs, err := store.Recent(ctx, workspace, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}
		if len(runs) == 0 {
			fmt.Println("No recorded runs")
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		for _, r := range runs {
			status := red("noncompliant")
			if r.Compliant {
				status = green("compliant")
			}
			fmt.Printf("%s  %s  %s  score %.2f  %s (%s)\n",
				r.CreatedAt.Format("2006-01-02 15:04"), r.ID[:8],
				r.ContractID, r.Score, status, r.Mode)
		}
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Maximum runs to list")
	rootCmd.AddCommand(historyCmd)
}
