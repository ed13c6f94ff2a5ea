// Package types holds the shared data model for verification runs:
// workspace languages, bridge metadata, expected interfaces, and results.
package types

import (
	"fmt"
	"strings"
)

// Language classifies a workspace by how its artifact can be introspected
type Language string

const (
	// LangNativeReflective workspaces build an artifact the verifier can load
	// in-process and inspect with reflection
	LangNativeReflective Language = "native-reflective"

	// LangSubprocessHosted workspaces expose their library through a child
	// process speaking the request/response protocol
	LangSubprocessHosted Language = "subprocess-hosted"

	// Command-line-only workspaces expose a built executable and nothing else
	LangCommandLineRust   Language = "command-line-rust"
	LangCommandLineGo     Language = "command-line-go"
	LangCommandLineJVM    Language = "command-line-jvm"
	LangCommandLineNative Language = "command-line-native"

	// LangUnknown is the zero value; never a valid detection result
	LangUnknown Language = "unknown"
)

// IsValid checks if the language value is a recognized classification
func (l Language) IsValid() bool {
	switch l {
	case LangNativeReflective, LangSubprocessHosted,
		LangCommandLineRust, LangCommandLineGo, LangCommandLineJVM, LangCommandLineNative:
		return true
	}
	return false
}

// CommandLineOnly reports whether the language offers no structured introspection
func (l Language) CommandLineOnly() bool {
	switch l {
	case LangCommandLineRust, LangCommandLineGo, LangCommandLineJVM, LangCommandLineNative:
		return true
	}
	return false
}

// ParseLanguage converts a user-supplied override string to a Language
func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if !l.IsValid() {
		return LangUnknown, &UnsupportedOverrideLanguageError{Override: s}
	}
	return l, nil
}

// BridgeKind identifies which bridge implementation loaded a library
type BridgeKind string

const (
	BridgeNativeReflection BridgeKind = "native-reflection"
	BridgeSubprocessRPC    BridgeKind = "subprocess-rpc"
	BridgeCommandLineProbe BridgeKind = "command-line-probe"
)

// LibraryMetadata describes what the chosen bridge can and cannot observe
// about a loaded library. Created once at load time; read-only afterward.
type LibraryMetadata struct {
	Language                       Language   `json:"detected_language"`
	BridgeKind                     BridgeKind `json:"bridge_kind"`
	SupportsSignatureIntrospection bool       `json:"supports_signature_introspection"`
	SupportsInvocation             bool       `json:"supports_invocation"`
	SourceIndicatorPath            string     `json:"source_indicator_path"`
}

// Param is one declared parameter of an operation
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// OperationSignature describes one operation's declared shape. Types are
// abstract semantic labels (string, integer, list<T>, ...), never
// language-specific types.
type OperationSignature struct {
	Name       string  `json:"name"`
	Params     []Param `json:"params,omitempty"`
	ReturnType string  `json:"return_type"`
}

// String renders the signature in a compact form for mismatch reports
func (s OperationSignature) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		if p.Name != "" {
			parts[i] = p.Name + ": " + p.Type
		} else {
			parts[i] = p.Type
		}
	}
	ret := s.ReturnType
	if ret == "" {
		ret = TypeVoid
	}
	return fmt.Sprintf("%s(%s) -> %s", s.Name, strings.Join(parts, ", "), ret)
}

// ExpectedInterface is the contract the workspace is verified against.
// Produced by the external specification parser; immutable here.
type ExpectedInterface struct {
	ContractID        string               `json:"contract_id"`
	Operations        []OperationSignature `json:"operations"`
	RequiredMarkerIDs []string             `json:"required_marker_ids,omitempty"`
}

// Validate checks the contract is well-formed enough to verify against
func (e *ExpectedInterface) Validate() error {
	if strings.TrimSpace(e.ContractID) == "" {
		return fmt.Errorf("contract_id is required")
	}
	if len(e.Operations) == 0 {
		return fmt.Errorf("contract %s declares no operations", e.ContractID)
	}
	seen := make(map[string]bool, len(e.Operations))
	for i, op := range e.Operations {
		if strings.TrimSpace(op.Name) == "" {
			return fmt.Errorf("operation %d: name is required", i)
		}
		if seen[op.Name] {
			return fmt.Errorf("duplicate operation name: %s", op.Name)
		}
		seen[op.Name] = true
	}
	return nil
}

// MismatchKind classifies one divergence between expected and observed
type MismatchKind string

const (
	MissingOperation       MismatchKind = "missing_operation"
	ParameterCountMismatch MismatchKind = "parameter_count_mismatch"
	ParameterTypeMismatch  MismatchKind = "parameter_type_mismatch"
	ReturnTypeMismatch     MismatchKind = "return_type_mismatch"

	// Unverifiable means the bridge explicitly cannot describe the signature.
	// It is a normal outcome for low-fidelity bridges, not a failure.
	Unverifiable MismatchKind = "unverifiable"
)

// SignatureMismatch records one divergence (or one unverifiable check) for
// a single operation. Expected and Observed are rendered signatures.
type SignatureMismatch struct {
	OperationName string       `json:"operation_name"`
	Expected      string       `json:"expected"`
	Observed      string       `json:"observed,omitempty"`
	Kind          MismatchKind `json:"mismatch_kind"`
}

// Failure reports whether this entry counts against the signature score.
// Unverifiable entries are surfaced to the caller but are not failures.
func (m SignatureMismatch) Failure() bool {
	return m.Kind != Unverifiable
}

// VerificationMode distinguishes "verified correct" from "could not disprove"
type VerificationMode string

const (
	// ModeFull means every operation was checked with signature introspection
	ModeFull VerificationMode = "full"

	// ModePresenceOnly means at least one operation could only be confirmed
	// present or absent, with no signature fidelity
	ModePresenceOnly VerificationMode = "presence_only"
)

// VerificationResult is the complete outcome of one verification run.
// ComplianceScore is derived from the other fields via Score and is never
// stored separately, so the summary number cannot drift from the findings.
type VerificationResult struct {
	Metadata        LibraryMetadata     `json:"library_metadata"`
	ContractID      string              `json:"contract_id"`
	Mismatches      []SignatureMismatch `json:"signature_mismatches"`
	OperationCount  int                 `json:"operation_count"`
	MarkerCoverage  float64             `json:"marker_coverage_ratio"`
	MissingMarkers  []string            `json:"missing_marker_ids,omitempty"`
	ComplianceScore float64             `json:"compliance_score"`
	Compliant       bool                `json:"is_compliant"`
	Mode            VerificationMode    `json:"verification_mode"`
}

// ScoreWeights controls how signature correctness and marker coverage
// combine into the compliance score. Defaults favor interface correctness
// over traceability bookkeeping.
type ScoreWeights struct {
	Signature float64 `json:"signature" mapstructure:"signature"`
	Marker    float64 `json:"marker" mapstructure:"marker"`
}

// DefaultScoreWeights is the documented default weighting
var DefaultScoreWeights = ScoreWeights{Signature: 0.7, Marker: 0.3}

// Validate checks the weights are usable
func (w ScoreWeights) Validate() error {
	if w.Signature < 0 || w.Marker < 0 {
		return fmt.Errorf("score weights must be non-negative")
	}
	if w.Signature+w.Marker == 0 {
		return fmt.Errorf("score weights must not both be zero")
	}
	return nil
}

// SignatureScore is the fraction of operations with no recorded failure.
// Unverifiable entries do not count against an operation.
func (r *VerificationResult) SignatureScore() float64 {
	if r.OperationCount == 0 {
		return 1.0
	}
	failed := make(map[string]bool)
	for _, m := range r.Mismatches {
		if m.Failure() {
			failed[m.OperationName] = true
		}
	}
	return float64(r.OperationCount-len(failed)) / float64(r.OperationCount)
}

// Score computes the weighted compliance score from the raw findings
func (r *VerificationResult) Score(w ScoreWeights) float64 {
	total := w.Signature + w.Marker
	return (w.Signature*r.SignatureScore() + w.Marker*r.MarkerCoverage) / total
}
