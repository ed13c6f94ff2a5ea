package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/speccheck/speccheck/internal/bridge"
	"github.com/speccheck/speccheck/internal/config"
	"github.com/speccheck/speccheck/internal/contract"
	"github.com/speccheck/speccheck/internal/scanner"
	"github.com/speccheck/speccheck/internal/storage"
	"github.com/speccheck/speccheck/internal/types"
	"github.com/speccheck/speccheck/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <workspace>",
	Short: "Run a full compliance verification against a contract",
	Long: `Detect the workspace's language, load its library through the best
available bridge, check every declared operation, scan for traceability
markers, and print the aggregated result.

The machine-parseable result goes to stdout as JSON; the human summary
goes to stderr.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workspace := args[0]
		contractPath, _ := cmd.Flags().GetString("contract")
		languageOverride, _ := cmd.Flags().GetString("language")
		bridgeOverride, _ := cmd.Flags().GetString("bridge")
		record, _ := cmd.Flags().GetBool("record")
		workers, _ := cmd.Flags().GetInt("workers")
		watch, _ := cmd.Flags().GetBool("watch")
		weightsFlag, _ := cmd.Flags().GetString("weights")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		cfg, err := config.Load(workspace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}
		if workers > 0 {
			cfg.Workers = workers
		}
		if weightsFlag != "" {
			w, err := parseWeights(weightsFlag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(exitFailure)
			}
			cfg.Weights = w
		}
		if timeout > 0 {
			cfg.Timeouts.RPCCall = timeout
			cfg.Timeouts.Probe = timeout
		}

		expected, err := contract.Load(contractPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}

		verifier := buildVerifier(cfg)
		opts := verify.Options{
			LanguageOverride: languageOverride,
			BridgeOverride:   types.BridgeKind(bridgeOverride),
			Workers:          cfg.Workers,
			Weights:          cfg.Weights,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if watch {
			var onResult func(*types.VerificationResult)
			if record {
				onResult = func(result *types.VerificationResult) {
					if err := recordRun(ctx, cfg, workspace, result); err != nil {
						fmt.Fprintf(os.Stderr, "warning: failed to record run: %v\n", err)
					}
				}
			}
			watchAndVerify(ctx, verifier, workspace, expected, opts, onResult)
			return
		}

		result, err := verifier.Verify(ctx, workspace, expected, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitFailure)
		}

		printResult(result)
		if record {
			if err := recordRun(ctx, cfg, workspace, result); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to record run: %v\n", err)
			}
		}
		if result.Compliant {
			os.Exit(exitCompliant)
		}
		os.Exit(exitNoncompliant)
	},
}

func init() {
	verifyCmd.Flags().StringP("contract", "c", "", "Path to the expected-interface contract (YAML or JSON)")
	verifyCmd.Flags().String("language", "", "Bypass detection with an explicit language classification")
	verifyCmd.Flags().String("bridge", "", "Force a bridge kind (native-reflection, subprocess-rpc, command-line-probe)")
	verifyCmd.Flags().Bool("record", false, "Record the completed run in the history database")
	verifyCmd.Flags().Int("workers", 0, "Concurrent signature checks (default from config)")
	verifyCmd.Flags().String("weights", "", "Score weights as signature,marker (e.g. 0.7,0.3)")
	verifyCmd.Flags().Duration("timeout", 0, "Per-call timeout for subprocess and probe invocations")
	verifyCmd.Flags().Bool("watch", false, "Re-verify whenever the workspace changes, until interrupted")
	_ = verifyCmd.MarkFlagRequired("contract")
	rootCmd.AddCommand(verifyCmd)
}

// buildVerifier assembles the engine from configuration.
func buildVerifier(cfg *config.Config) *verify.Verifier {
	scanOpts := []scanner.Option{
		scanner.WithPrefix(cfg.Marker.Prefix),
		scanner.WithIgnoreGlobs(cfg.Marker.IgnoreGlobs),
	}
	if cfg.Marker.RipgrepPath != "" {
		scanOpts = append(scanOpts, scanner.WithRipgrepPath(cfg.Marker.RipgrepPath))
	}
	sc := scanner.New(scanOpts...)
	selector := bridge.NewSelector(
		bridge.NewNativeBridge(),
		bridge.NewRPCBridge(
			bridge.WithStartupTimeout(cfg.Timeouts.SubprocessStartup),
			bridge.WithCallTimeout(cfg.Timeouts.RPCCall),
		),
		bridge.NewProbeBridge(bridge.WithProbeTimeout(cfg.Timeouts.Probe)),
	)
	return verify.New(verify.WithSelector(selector), verify.WithScanner(sc))
}

// printResult writes JSON to stdout and a colored summary to stderr.
func printResult(result *types.VerificationResult) {
	out, err := json.MarshalIndent(result, "", "  ")
	if err == nil {
		fmt.Println(string(out))
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	status := red("NONCOMPLIANT")
	if result.Compliant {
		status = green("COMPLIANT")
	}
	fmt.Fprintf(os.Stderr, "\n%s  contract %s  score %.2f\n", status, result.ContractID, result.ComplianceScore)
	fmt.Fprintf(os.Stderr, "  language: %s  bridge: %s\n", result.Metadata.Language, result.Metadata.BridgeKind)
	if result.Mode == types.ModePresenceOnly {
		fmt.Fprintf(os.Stderr, "  %s signatures could only be checked for presence, not shape\n", yellow("note:"))
	}
	fmt.Fprintf(os.Stderr, "  markers: %.0f%% covered", result.MarkerCoverage*100)
	if len(result.MissingMarkers) > 0 {
		fmt.Fprintf(os.Stderr, " (missing: %v)", result.MissingMarkers)
	}
	fmt.Fprintln(os.Stderr)

	for _, m := range result.Mismatches {
		if m.Kind == types.Unverifiable {
			fmt.Fprintf(os.Stderr, "  %s %s: %s\n", yellow("?"), m.OperationName, m.Kind)
			continue
		}
		fmt.Fprintf(os.Stderr, "  %s %s: %s\n", red("✗"), m.OperationName, m.Kind)
		fmt.Fprintf(os.Stderr, "      expected %s\n", m.Expected)
		if m.Observed != "" {
			fmt.Fprintf(os.Stderr, "      observed %s\n", m.Observed)
		}
	}
}

// parseWeights reads a "signature,marker" pair of floats.
func parseWeights(s string) (types.ScoreWeights, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return types.ScoreWeights{}, fmt.Errorf("weights must be signature,marker (got %q)", s)
	}
	sig, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return types.ScoreWeights{}, fmt.Errorf("signature weight: %w", err)
	}
	marker, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return types.ScoreWeights{}, fmt.Errorf("marker weight: %w", err)
	}
	w := types.ScoreWeights{Signature: sig, Marker: marker}
	return w, w.Validate()
}

func recordRun(ctx context.Context, cfg *config.Config, workspace string, result *types.VerificationResult) error {
	store, err := storage.Open(ctx, cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = store.Record(ctx, workspace, result)
	return err
}
