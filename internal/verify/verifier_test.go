package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speccheck/speccheck/internal/bridge"
	"github.com/speccheck/speccheck/internal/detect"
	"github.com/speccheck/speccheck/internal/scanner"
	"github.com/speccheck/speccheck/internal/types"
)

type billingLib struct{}

func (billingLib) CreateInvoice(customer string, amount float64) (string, error) {
	return fmt.Sprintf("%s:%0.2f", customer, amount), nil
}

func (billingLib) ListInvoices(customer string) []string {
	return []string{customer}
}

func (billingLib) Ping() {}

func billingContract() *types.ExpectedInterface {
	return &types.ExpectedInterface{
		ContractID: "billing-v1",
		Operations: []types.OperationSignature{
			{
				Name: "create_invoice",
				Params: []types.Param{
					{Name: "customer", Type: types.TypeString},
					{Name: "amount", Type: types.TypeFloat},
				},
				ReturnType: types.TypeString,
			},
			{
				Name:       "list_invoices",
				Params:     []types.Param{{Name: "customer", Type: types.TypeString}},
				ReturnType: "list<string>",
			},
			{Name: "ping", ReturnType: types.TypeVoid},
		},
		RequiredMarkerIDs: []string{"billing.create", "billing.list"},
	}
}

// nativeWorkspace builds a workspace the detector classifies as native,
// with both required markers present in source.
func nativeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	manifest := "artifact: build/lib.so\nexport: Library\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, detect.PluginManifestName), []byte(manifest), 0o644))
	source := "package lib\n\n// TRACE: billing.create\n// TRACE: billing.list\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.go"), []byte(source), 0o644))
	return dir
}

// nativeVerifier wires the fixture library behind the plugin loader seam and
// forces the scanner's walk path so tests do not depend on an installed rg.
func nativeVerifier() *Verifier {
	native := bridge.NewNativeBridge(bridge.WithSymbolLoader(func(_, _ string) (any, error) {
		return billingLib{}, nil
	}))
	return New(
		WithSelector(bridge.NewSelector(native, bridge.NewRPCBridge(), bridge.NewProbeBridge())),
		WithScanner(scanner.New(scanner.WithRipgrepPath(""))),
	)
}

func TestVerifyCompliantRoundTrip(t *testing.T) {
	dir := nativeWorkspace(t)

	result, err := nativeVerifier().Verify(context.Background(), dir, billingContract(), Options{})
	require.NoError(t, err)

	assert.True(t, result.Compliant)
	assert.Equal(t, 1.0, result.ComplianceScore)
	assert.Equal(t, types.ModeFull, result.Mode)
	assert.Empty(t, result.Mismatches)
	assert.Equal(t, 1.0, result.MarkerCoverage)
	assert.Equal(t, "billing-v1", result.ContractID)
	assert.Equal(t, types.LangNativeReflective, result.Metadata.Language)
	assert.Equal(t, 3, result.OperationCount)
}

func TestVerifyMissingOperation(t *testing.T) {
	dir := nativeWorkspace(t)
	contract := billingContract()
	contract.Operations = append(contract.Operations, types.OperationSignature{
		Name: "delete_invoice", ReturnType: types.TypeVoid,
	})

	result, err := nativeVerifier().Verify(context.Background(), dir, contract, Options{})
	require.NoError(t, err)

	assert.False(t, result.Compliant)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, "delete_invoice", result.Mismatches[0].OperationName)
	assert.Equal(t, types.MissingOperation, result.Mismatches[0].Kind)
	// 3 of 4 operations clean, markers fully covered
	assert.InDelta(t, 0.7*0.75+0.3*1.0, result.ComplianceScore, 1e-9)
}

func TestVerifyMissingMarker(t *testing.T) {
	dir := nativeWorkspace(t)
	contract := billingContract()
	contract.RequiredMarkerIDs = append(contract.RequiredMarkerIDs, "billing.refund")

	result, err := nativeVerifier().Verify(context.Background(), dir, contract, Options{})
	require.NoError(t, err)

	assert.False(t, result.Compliant)
	assert.Empty(t, result.Mismatches)
	assert.Equal(t, []string{"billing.refund"}, result.MissingMarkers)
	assert.InDelta(t, 0.7*1.0+0.3*(2.0/3.0), result.ComplianceScore, 1e-9)
}

const mismatchChild = `#!/bin/sh
echo '{"type":"ready","capabilities":{"describe":true},"operations":["add"]}'
while read line; do
	id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
	case "$line" in
	*'"method":"describe"'*)
		printf '{"id":"%s","result":{"name":"add","params":[{"name":"a","type":"integer"},{"name":"b","type":"integer"}],"returns":"string"}}\n' "$id"
		;;
	*)
		printf '{"id":"%s","error":{"message":"unknown"}}\n' "$id"
		;;
	esac
done
`

func TestVerifySubprocessReturnTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"name":"adder","main":"index.js"}`), 0o644))
	script := filepath.Join(dir, "child.sh")
	require.NoError(t, os.WriteFile(script, []byte(mismatchChild), 0o755))

	rpc := bridge.NewRPCBridge(bridge.WithCommandResolver(func(string) ([]string, error) {
		return []string{"sh", script}, nil
	}))
	v := New(
		WithSelector(bridge.NewSelector(bridge.NewNativeBridge(), rpc, bridge.NewProbeBridge())),
		WithScanner(scanner.New(scanner.WithRipgrepPath(""))),
	)

	contract := &types.ExpectedInterface{
		ContractID: "adder-v1",
		Operations: []types.OperationSignature{{
			Name: "add",
			Params: []types.Param{
				{Name: "a", Type: types.TypeInteger},
				{Name: "b", Type: types.TypeInteger},
			},
			ReturnType: types.TypeInteger,
		}},
	}

	result, err := v.Verify(context.Background(), dir, contract, Options{})
	require.NoError(t, err)

	assert.False(t, result.Compliant)
	assert.Equal(t, types.ModeFull, result.Mode)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, types.ReturnTypeMismatch, result.Mismatches[0].Kind)
	// Zero clean signatures, no markers required
	assert.InDelta(t, 0.3, result.ComplianceScore, 1e-9)
	assert.Equal(t, types.LangSubprocessHosted, result.Metadata.Language)
}

const probeChild = `#!/bin/sh
case "$1" in
--help)
	cat <<'EOF'
Usage:
  billing <command>

Commands:
  create-invoice  Create an invoice
  list-invoices   List invoices
  ping            Liveness check
EOF
	;;
*)
	exit 0
	;;
esac
`

// probeWorkspace looks like a built Rust project: manifest, source with
// markers, and an executable under the target directory.
func probeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"),
		[]byte("[package]\nname = \"billing\"\n"), 0o644))
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	source := "// TRACE: billing.create\n// TRACE: billing.list\nfn main() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.rs"), []byte(source), 0o644))

	binDir := filepath.Join(dir, "target", "release")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	exe := filepath.Join(binDir, filepath.Base(dir))
	require.NoError(t, os.WriteFile(exe, []byte(probeChild), 0o755))
	return dir
}

func probeVerifier() *Verifier {
	return New(WithScanner(scanner.New(scanner.WithRipgrepPath(""))))
}

func TestVerifyProbePresenceOnly(t *testing.T) {
	dir := probeWorkspace(t)

	result, err := probeVerifier().Verify(context.Background(), dir, billingContract(), Options{})
	require.NoError(t, err)

	assert.True(t, result.Compliant)
	assert.Equal(t, types.ModePresenceOnly, result.Mode)
	assert.Equal(t, types.LangCommandLineRust, result.Metadata.Language)
	assert.False(t, result.Metadata.SupportsSignatureIntrospection)

	// Every operation is reported unverifiable but none count as failures
	require.Len(t, result.Mismatches, 3)
	for _, m := range result.Mismatches {
		assert.Equal(t, types.Unverifiable, m.Kind)
		assert.False(t, m.Failure())
	}
	assert.Equal(t, 1.0, result.ComplianceScore)
}

func TestVerifyProbeMissingOperationNotCompliant(t *testing.T) {
	dir := probeWorkspace(t)
	contract := billingContract()
	contract.Operations = append(contract.Operations, types.OperationSignature{
		Name: "refund_invoice", ReturnType: types.TypeVoid,
	})

	result, err := probeVerifier().Verify(context.Background(), dir, contract, Options{})
	require.NoError(t, err)

	assert.False(t, result.Compliant)
	assert.Equal(t, types.ModePresenceOnly, result.Mode)

	kinds := make(map[types.MismatchKind]int)
	for _, m := range result.Mismatches {
		kinds[m.Kind]++
	}
	assert.Equal(t, 1, kinds[types.MissingOperation])
	assert.Equal(t, 3, kinds[types.Unverifiable])
}

func TestVerifyProbeAllMissingStaysPresenceOnly(t *testing.T) {
	dir := probeWorkspace(t)
	contract := &types.ExpectedInterface{
		ContractID: "billing-v1",
		Operations: []types.OperationSignature{
			{Name: "refund_invoice", ReturnType: types.TypeVoid},
			{Name: "void_invoice", ReturnType: types.TypeVoid},
		},
	}

	result, err := probeVerifier().Verify(context.Background(), dir, contract, Options{})
	require.NoError(t, err)

	// No operation exists, so nothing was ever described; the result must
	// still say "could not disprove", not "verified"
	assert.Equal(t, types.ModePresenceOnly, result.Mode)
	assert.False(t, result.Compliant)
	require.Len(t, result.Mismatches, 2)
	for _, m := range result.Mismatches {
		assert.Equal(t, types.MissingOperation, m.Kind)
	}
}

func TestVerifyBridgeOverrideSkipsDetection(t *testing.T) {
	// No indicator file at all, just a built executable by convention
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	exe := filepath.Join(binDir, filepath.Base(dir))
	require.NoError(t, os.WriteFile(exe, []byte(probeChild), 0o755))
	source := "// TRACE: billing.create\n// TRACE: billing.list\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(source), 0o644))

	result, err := probeVerifier().Verify(context.Background(), dir, billingContract(), Options{
		BridgeOverride: types.BridgeCommandLineProbe,
	})
	require.NoError(t, err)

	assert.True(t, result.Compliant)
	assert.Equal(t, types.ModePresenceOnly, result.Mode)
	assert.Equal(t, types.BridgeCommandLineProbe, result.Metadata.BridgeKind)
	assert.Equal(t, types.LangUnknown, result.Metadata.Language)
}

func TestVerifyNoIndicators(t *testing.T) {
	result, err := New().Verify(context.Background(), t.TempDir(), billingContract(), Options{})
	assert.Nil(t, result)
	var notFound *types.NoLanguageIndicatorFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestVerifyBadLanguageOverride(t *testing.T) {
	dir := nativeWorkspace(t)
	_, err := nativeVerifier().Verify(context.Background(), dir, billingContract(), Options{
		LanguageOverride: "cobol",
	})
	var overrideErr *types.UnsupportedOverrideLanguageError
	require.ErrorAs(t, err, &overrideErr)
}

func TestVerifyInvalidContract(t *testing.T) {
	_, err := New().Verify(context.Background(), t.TempDir(), &types.ExpectedInterface{
		ContractID: "empty",
	}, Options{})
	require.Error(t, err)
}

func TestVerifyInvalidWeights(t *testing.T) {
	dir := nativeWorkspace(t)
	_, err := nativeVerifier().Verify(context.Background(), dir, billingContract(), Options{
		Weights: types.ScoreWeights{Signature: -0.5, Marker: 0.5},
	})
	require.Error(t, err)
}

func TestVerifyCancelled(t *testing.T) {
	dir := nativeWorkspace(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := nativeVerifier().Verify(ctx, dir, billingContract(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) ||
		errors.As(err, new(*types.MarkerScanFailureError)))
}

func TestCompareSignatures(t *testing.T) {
	expected := types.OperationSignature{
		Name: "op",
		Params: []types.Param{
			{Name: "a", Type: types.TypeString},
			{Name: "b", Type: types.TypeInteger},
		},
		ReturnType: types.TypeBoolean,
	}

	t.Run("exact match", func(t *testing.T) {
		observed := expected
		assert.Empty(t, compareSignatures(expected, observed))
	})

	t.Run("any is a wildcard on either side", func(t *testing.T) {
		observed := expected
		observed.Params = []types.Param{
			{Type: types.TypeAny},
			{Type: types.TypeInteger},
		}
		observed.ReturnType = types.TypeAny
		assert.Empty(t, compareSignatures(expected, observed))
	})

	t.Run("count mismatch short-circuits", func(t *testing.T) {
		observed := expected
		observed.Params = observed.Params[:1]
		observed.ReturnType = types.TypeString
		ms := compareSignatures(expected, observed)
		require.Len(t, ms, 1)
		assert.Equal(t, types.ParameterCountMismatch, ms[0].Kind)
	})

	t.Run("param and return mismatches both recorded", func(t *testing.T) {
		observed := expected
		observed.Params = []types.Param{
			{Type: types.TypeInteger},
			{Type: types.TypeInteger},
		}
		observed.ReturnType = types.TypeString
		ms := compareSignatures(expected, observed)
		require.Len(t, ms, 2)
		assert.Equal(t, types.ParameterTypeMismatch, ms[0].Kind)
		assert.Equal(t, types.ReturnTypeMismatch, ms[1].Kind)
	})
}
