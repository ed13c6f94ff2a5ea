package types

import (
	"fmt"
	"strings"
	"time"
)

// Every failure in the engine is one of these typed errors. None of them is
// ever converted into a best-guess result: a run that cannot complete
// produces an explicit failure, never a fabricated score.

// AmbiguousLanguageDetectionError is returned when a workspace carries two
// or more mutually exclusive language indicators.
type AmbiguousLanguageDetectionError struct {
	Workspace  string
	Indicators []string
}

func (e *AmbiguousLanguageDetectionError) Error() string {
	return fmt.Sprintf("ambiguous language detection in %s: conflicting indicators [%s]",
		e.Workspace, strings.Join(e.Indicators, ", "))
}

// NoLanguageIndicatorFoundError is returned when no known indicator file
// exists in the workspace. The detector never substitutes a default.
type NoLanguageIndicatorFoundError struct {
	Workspace string
}

func (e *NoLanguageIndicatorFoundError) Error() string {
	return fmt.Sprintf("no language indicator found in %s", e.Workspace)
}

// UnsupportedOverrideLanguageError is returned when an explicit language
// override names no known classification.
type UnsupportedOverrideLanguageError struct {
	Override string
}

func (e *UnsupportedOverrideLanguageError) Error() string {
	return fmt.Sprintf("unsupported language override %q", e.Override)
}

// BridgeLoadError is returned when a bridge cannot produce a usable library
// handle: missing entry point, unreadable manifest, or spawn failure.
type BridgeLoadError struct {
	Bridge    BridgeKind
	Workspace string
	Reason    string
	Err       error
}

func (e *BridgeLoadError) Error() string {
	msg := fmt.Sprintf("%s bridge failed to load %s: %s", e.Bridge, e.Workspace, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BridgeLoadError) Unwrap() error { return e.Err }

// SubprocessStartupTimeoutError is returned when a child process does not
// signal readiness within the startup window.
type SubprocessStartupTimeoutError struct {
	Command []string
	Timeout time.Duration
}

func (e *SubprocessStartupTimeoutError) Error() string {
	return fmt.Sprintf("subprocess %q did not signal readiness within %v",
		strings.Join(e.Command, " "), e.Timeout)
}

// InvocationTimeoutError is returned when a single bridge call exceeds its
// per-call timeout. The call is abandoned, never left hanging.
type InvocationTimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *InvocationTimeoutError) Error() string {
	return fmt.Sprintf("invocation of %s timed out after %v", e.Operation, e.Timeout)
}

// InvocationError is returned when an operation was reached but failed:
// the child reported an error, the process exited abnormally, or the
// reflected call returned an error value.
type InvocationError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("invocation of %s failed: %s", e.Operation, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvocationError) Unwrap() error { return e.Err }

// MarkerScanFailureError is returned when neither the fast scan path nor
// the fallback could complete. A scan failure is never an empty result.
type MarkerScanFailureError struct {
	Workspace string
	Err       error
}

func (e *MarkerScanFailureError) Error() string {
	return fmt.Sprintf("marker scan of %s failed: %v", e.Workspace, e.Err)
}

func (e *MarkerScanFailureError) Unwrap() error { return e.Err }
