// Package detect classifies a workspace by its language indicator files.
//
// Detection is deterministic: indicators are evaluated in a fixed table
// order, and a workspace carrying two mutually exclusive indicator sets
// fails with an ambiguity error instead of silently picking one. The only
// tie-breaks are the documented refinements in the table below.
package detect

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"

	"github.com/speccheck/speccheck/internal/types"
)

// PluginManifestName is the manifest that marks a native-reflective
// workspace: one whose build output the verifier loads in-process.
const PluginManifestName = "speccheck.plugin.yaml"

// PluginManifest names the built artifact and the exported symbol to
// reflect over.
type PluginManifest struct {
	Artifact string `yaml:"artifact"`
	Export   string `yaml:"export"`
}

// indicator maps one indicator file to a language classification.
// A validate hook rejects files that exist but are not actually that
// language's manifest (a malformed go.mod is not a Go workspace).
type indicator struct {
	file     string
	language types.Language
	validate func(path string) error
}

// indicatorTable is evaluated in order. The order is part of the contract:
// it makes detection reproducible across runs on the same workspace.
var indicatorTable = []indicator{
	{PluginManifestName, types.LangNativeReflective, validatePluginManifest},
	{"package.json", types.LangSubprocessHosted, nil},
	{"Cargo.toml", types.LangCommandLineRust, validateTOML},
	{"go.mod", types.LangCommandLineGo, validateGoMod},
	{"pom.xml", types.LangCommandLineJVM, nil},
	{"build.gradle", types.LangCommandLineJVM, nil},
	{"Makefile", types.LangCommandLineNative, nil},
	{"CMakeLists.txt", types.LangCommandLineNative, nil},
}

// Detector classifies workspaces. Zero value is usable.
type Detector struct{}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// Result is a successful classification plus the indicator that produced it.
type Result struct {
	Language      types.Language
	IndicatorPath string
}

// Detect inspects the workspace's top-level files and returns a definite
// classification. It fails with NoLanguageIndicatorFoundError when nothing
// matches and AmbiguousLanguageDetectionError when conflicting indicator
// sets are present.
//
// Documented tie-breaks, the only three:
//   - the plugin manifest refines a workspace that also carries go.mod
//     (a Go workspace built as a loadable plugin is native-reflective)
//   - a subprocess manifest (package.json) outranks command-line-only
//     indicators: a built binary with a sidecar RPC server is verified
//     through the higher-fidelity subprocess bridge
//   - a generic build file (Makefile, CMakeLists.txt) defers to any more
//     specific manifest present alongside it
func (d *Detector) Detect(workspace string) (Result, error) {
	info, err := os.Stat(workspace)
	if err != nil {
		return Result{}, fmt.Errorf("stat workspace: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("workspace %s is not a directory", workspace)
	}

	var hits []indicator
	for _, ind := range indicatorTable {
		path := filepath.Join(workspace, ind.file)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if ind.validate != nil {
			if err := ind.validate(path); err != nil {
				// Present but not a well-formed manifest: not an indicator
				continue
			}
		}
		hits = append(hits, ind)
	}

	hits = applyTieBreaks(hits)

	switch countLanguages(hits) {
	case 0:
		return Result{}, &types.NoLanguageIndicatorFoundError{Workspace: workspace}
	case 1:
		first := hits[0]
		return Result{
			Language:      first.language,
			IndicatorPath: filepath.Join(workspace, first.file),
		}, nil
	default:
		files := make([]string, len(hits))
		for i, h := range hits {
			files[i] = h.file
		}
		return Result{}, &types.AmbiguousLanguageDetectionError{
			Workspace:  workspace,
			Indicators: files,
		}
	}
}

// applyTieBreaks drops indicators shadowed by a documented refinement.
func applyTieBreaks(hits []indicator) []indicator {
	langs := make(map[types.Language]bool, len(hits))
	for _, h := range hits {
		langs[h.language] = true
	}

	out := hits[:0]
	for _, h := range hits {
		// Plugin manifest refines a Go workspace
		if h.language == types.LangCommandLineGo && langs[types.LangNativeReflective] {
			continue
		}
		// A subprocess manifest outranks command-line-only indicators
		if h.language.CommandLineOnly() && langs[types.LangSubprocessHosted] {
			continue
		}
		// Generic build files defer to any specific manifest
		if h.language == types.LangCommandLineNative && hasSpecific(langs) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func hasSpecific(langs map[types.Language]bool) bool {
	for l := range langs {
		if l != types.LangCommandLineNative {
			return true
		}
	}
	return false
}

// countLanguages counts distinct classifications among the surviving hits.
// Two indicators for the same language (pom.xml + build.gradle) agree.
func countLanguages(hits []indicator) int {
	langs := make(map[types.Language]bool, len(hits))
	for _, h := range hits {
		langs[h.language] = true
	}
	return len(langs)
}

func validateGoMod(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = modfile.Parse(path, data, nil)
	return err
}

func validateTOML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]any
	return toml.Unmarshal(data, &doc)
}

func validatePluginManifest(path string) error {
	m, err := LoadPluginManifest(path)
	if err != nil {
		return err
	}
	if m.Artifact == "" || m.Export == "" {
		return fmt.Errorf("plugin manifest %s must name an artifact and an export", path)
	}
	return nil
}

// LoadPluginManifest reads and parses a native-reflective plugin manifest.
func LoadPluginManifest(path string) (*PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m PluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse plugin manifest %s: %w", path, err)
	}
	return &m, nil
}
