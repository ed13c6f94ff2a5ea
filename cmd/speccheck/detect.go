package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speccheck/speccheck/internal/detect"
)

var detectCmd = &cobra.Command{
	Use:   "detect <workspace>",
	Short: "Classify a workspace's language without verifying anything",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res, err := detect.New().Detect(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s (indicator: %s)\n", green("✓"), res.Language, res.IndicatorPath)
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
