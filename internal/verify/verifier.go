// Package verify orchestrates a full compliance run: language detection,
// bridge selection and load, per-operation signature checks, marker
// coverage, and score aggregation.
//
// The aggregation never substitutes a default when a step cannot complete.
// A detection, load, or scan failure propagates as its typed error; only a
// completed run produces a VerificationResult.
package verify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/speccheck/speccheck/internal/bridge"
	"github.com/speccheck/speccheck/internal/detect"
	"github.com/speccheck/speccheck/internal/scanner"
	"github.com/speccheck/speccheck/internal/types"
)

// DefaultWorkers bounds concurrent signature checks per run
const DefaultWorkers = 4

// Options tunes one verification run.
type Options struct {
	// LanguageOverride bypasses detection entirely and is never
	// second-guessed. Empty means detect.
	LanguageOverride string

	// BridgeOverride forces a bridge kind regardless of language.
	BridgeOverride types.BridgeKind

	// Workers bounds concurrent signature checks (default DefaultWorkers).
	Workers int

	// Weights combines signature and marker scores (default 0.7/0.3).
	Weights types.ScoreWeights
}

// Verifier runs compliance verification. Stateless between calls except
// for the optional subprocess connection pool.
type Verifier struct {
	detector *detect.Detector
	selector *bridge.Selector
	scanner  *scanner.Scanner
	pool     *bridge.Pool
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithSelector replaces the bridge selector.
func WithSelector(s *bridge.Selector) VerifierOption {
	return func(v *Verifier) { v.selector = s }
}

// WithScanner replaces the marker scanner.
func WithScanner(s *scanner.Scanner) VerifierOption {
	return func(v *Verifier) { v.scanner = s }
}

// WithPool enables subprocess connection reuse across calls.
func WithPool(p *bridge.Pool) VerifierOption {
	return func(v *Verifier) { v.pool = p }
}

// New creates a Verifier with default components.
func New(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		detector: detect.New(),
		selector: bridge.DefaultSelector(),
		scanner:  scanner.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify audits the workspace against the expected interface and returns a
// completed result, or a typed error when any stage cannot complete.
func (v *Verifier) Verify(ctx context.Context, workspace string, expected *types.ExpectedInterface, opts Options) (*types.VerificationResult, error) {
	if err := expected.Validate(); err != nil {
		return nil, fmt.Errorf("invalid expected interface: %w", err)
	}
	weights := opts.Weights
	if weights == (types.ScoreWeights{}) {
		weights = types.DefaultScoreWeights
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	language, indicator, err := v.classify(workspace, opts.LanguageOverride)
	if err != nil {
		// A bridge override names the loader directly, so a workspace the
		// detector cannot classify is still verifiable. An explicit bad
		// language override is the caller's mistake and always fails.
		if opts.LanguageOverride != "" || opts.BridgeOverride == "" {
			return nil, err
		}
		language, indicator = types.LangUnknown, ""
	}

	br, err := v.selector.Select(language, opts.BridgeOverride)
	if err != nil {
		return nil, err
	}

	handle, meta, release, err := v.acquire(ctx, br, workspace)
	if err != nil {
		return nil, err
	}
	defer release()

	// The probe bridge cannot know which command-line language it serves
	if meta.Language == types.LangUnknown {
		meta.Language = language
	}
	if indicator != "" && meta.BridgeKind == types.BridgeCommandLineProbe {
		meta.SourceIndicatorPath = indicator
	}

	// Signature checks and the marker walk touch disjoint resources
	// (library handle vs filesystem text), so they run concurrently.
	outcomes := make([]opOutcome, len(expected.Operations))
	var coverage scanner.Coverage

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(workers))

	g.Go(func() error {
		cov, err := v.scanner.Scan(gctx, workspace, expected.RequiredMarkerIDs)
		if err != nil {
			return err
		}
		coverage = cov
		return nil
	})

	for i, op := range expected.Operations {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outcome, err := checkOperation(gctx, handle, meta, op)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &types.VerificationResult{
		Metadata:       *meta,
		ContractID:     expected.ContractID,
		OperationCount: len(expected.Operations),
		MarkerCoverage: coverage.Ratio(len(expected.RequiredMarkerIDs)),
		MissingMarkers: coverage.Missing,
		Mode:           types.ModeFull,
	}
	// A bridge without introspection can never verify a signature as
	// correct, even when every expected operation turns out to be missing
	if !meta.SupportsSignatureIntrospection {
		result.Mode = types.ModePresenceOnly
	}

	// Mismatches preserve the contract's operation order regardless of
	// which check finished first, so reports diff cleanly across runs.
	allPresent := true
	for _, outcome := range outcomes {
		result.Mismatches = append(result.Mismatches, outcome.mismatches...)
		if outcome.presenceOnly {
			result.Mode = types.ModePresenceOnly
		}
		if outcome.missing {
			allPresent = false
		}
	}

	result.ComplianceScore = result.Score(weights)
	if result.Mode == types.ModeFull {
		result.Compliant = result.ComplianceScore >= 1.0
	} else {
		result.Compliant = allPresent && result.MarkerCoverage == 1.0
	}
	return result, nil
}

// classify applies the override or runs detection.
func (v *Verifier) classify(workspace, override string) (types.Language, string, error) {
	if override != "" {
		lang, err := types.ParseLanguage(override)
		if err != nil {
			return types.LangUnknown, "", err
		}
		return lang, "", nil
	}
	res, err := v.detector.Detect(workspace)
	if err != nil {
		return types.LangUnknown, "", err
	}
	return res.Language, res.IndicatorPath, nil
}

// acquire loads a handle, through the pool for subprocess bridges when one
// is configured. The release func owns teardown on every exit path.
func (v *Verifier) acquire(ctx context.Context, br bridge.Bridge, workspace string) (bridge.Handle, *types.LibraryMetadata, func(), error) {
	if v.pool != nil && br.Kind() == types.BridgeSubprocessRPC {
		h, meta, err := v.pool.Checkout(ctx, workspace)
		if err != nil {
			return nil, nil, nil, err
		}
		return h, meta, func() { v.pool.Return(workspace, h, meta) }, nil
	}
	h, meta, err := br.Load(ctx, workspace)
	if err != nil {
		return nil, nil, nil, err
	}
	return h, meta, func() { _ = h.Close() }, nil
}

// opOutcome is one operation's contribution to the result.
type opOutcome struct {
	mismatches   []types.SignatureMismatch
	presenceOnly bool
	missing      bool
}

// checkOperation compares one expected operation against what the bridge
// can observe. Bridge failures (timeouts, dead children) propagate; an
// explicit cannot-describe answer becomes an Unverifiable entry instead.
func checkOperation(ctx context.Context, handle bridge.Handle, meta *types.LibraryMetadata, expected types.OperationSignature) (opOutcome, error) {
	exists, err := handle.Exists(ctx, expected.Name)
	if err != nil {
		return opOutcome{}, err
	}
	if !exists {
		return opOutcome{
			missing: true,
			mismatches: []types.SignatureMismatch{{
				OperationName: expected.Name,
				Expected:      expected.String(),
				Kind:          types.MissingOperation,
			}},
		}, nil
	}

	if !meta.SupportsSignatureIntrospection {
		return unverifiable(expected), nil
	}

	observed, ok, err := handle.Describe(ctx, expected.Name)
	if err != nil {
		return opOutcome{}, err
	}
	if !ok {
		// The bridge claimed introspection but cannot describe this one;
		// degrade honestly rather than guessing
		return unverifiable(expected), nil
	}

	return opOutcome{mismatches: compareSignatures(expected, observed)}, nil
}

func unverifiable(expected types.OperationSignature) opOutcome {
	return opOutcome{
		presenceOnly: true,
		mismatches: []types.SignatureMismatch{{
			OperationName: expected.Name,
			Expected:      expected.String(),
			Kind:          types.Unverifiable,
		}},
	}
}

// compareSignatures records the divergences between a declared and an
// observed signature. "any" on either side matches anything.
func compareSignatures(expected, observed types.OperationSignature) []types.SignatureMismatch {
	var mismatches []types.SignatureMismatch

	if len(expected.Params) != len(observed.Params) {
		return []types.SignatureMismatch{{
			OperationName: expected.Name,
			Expected:      expected.String(),
			Observed:      observed.String(),
			Kind:          types.ParameterCountMismatch,
		}}
	}

	for i := range expected.Params {
		if !typesMatch(expected.Params[i].Type, observed.Params[i].Type) {
			mismatches = append(mismatches, types.SignatureMismatch{
				OperationName: expected.Name,
				Expected:      expected.String(),
				Observed:      observed.String(),
				Kind:          types.ParameterTypeMismatch,
			})
			break
		}
	}

	if !typesMatch(expected.ReturnType, observed.ReturnType) {
		mismatches = append(mismatches, types.SignatureMismatch{
			OperationName: expected.Name,
			Expected:      expected.String(),
			Observed:      observed.String(),
			Kind:          types.ReturnTypeMismatch,
		})
	}
	return mismatches
}

func typesMatch(expected, observed string) bool {
	if expected == types.TypeAny || observed == types.TypeAny {
		return true
	}
	return expected == observed
}
