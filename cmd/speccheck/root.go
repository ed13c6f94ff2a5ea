// speccheck audits whether a workspace's built artifact exposes the
// interface its specification contract promises.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "speccheck",
	Short: "Verify a workspace's artifact against its interface contract",
	Long: `speccheck loads a library from a workspace - through native reflection,
a subprocess protocol, or command-line probing, depending on the workspace's
language - and verifies it against an expected-interface contract.

Exit codes:
  0  verification completed and the workspace is compliant
  1  verification completed but the workspace is not compliant
  2  verification could not run to completion`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Exit codes distinguish "completed but noncompliant" from "could not run".
const (
	exitCompliant    = 0
	exitNoncompliant = 1
	exitFailure      = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
}
