package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speccheck/speccheck/internal/config"
	"github.com/speccheck/speccheck/internal/contract"
	"github.com/speccheck/speccheck/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan <workspace>",
	Short: "Compute marker coverage only, without loading the library",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workspace := args[0]
		contractPath, _ := cmd.Flags().GetString("contract")

		cfg, err := config.Load(workspace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}
		expected, err := contract.Load(contractPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}

		scanOpts := []scanner.Option{
			scanner.WithPrefix(cfg.Marker.Prefix),
			scanner.WithIgnoreGlobs(cfg.Marker.IgnoreGlobs),
		}
		if cfg.Marker.RipgrepPath != "" {
			scanOpts = append(scanOpts, scanner.WithRipgrepPath(cfg.Marker.RipgrepPath))
		}
		sc := scanner.New(scanOpts...)

		cov, err := sc.Scan(context.Background(), workspace, expected.RequiredMarkerIDs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		ratio := cov.Ratio(len(expected.RequiredMarkerIDs))
		fmt.Printf("markers: %.0f%% covered (%d/%d)\n",
			ratio*100, len(cov.Found), len(expected.RequiredMarkerIDs))
		for _, id := range cov.Found {
			fmt.Printf("  %s %s\n", green("✓"), id)
		}
		for _, id := range cov.Missing {
			fmt.Printf("  %s %s\n", red("✗"), id)
		}
		if len(cov.Missing) > 0 {
			os.Exit(exitNoncompliant)
		}
	},
}

func init() {
	scanCmd.Flags().StringP("contract", "c", "", "Path to the expected-interface contract (YAML or JSON)")
	_ = scanCmd.MarkFlagRequired("contract")
	rootCmd.AddCommand(scanCmd)
}
