// Package contract loads expected-interface documents produced by the
// upstream specification parser. Only the normalized output shape is this
// engine's concern; the authoring workflow and markup grammar live upstream.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/speccheck/speccheck/internal/types"
)

// document is the on-disk shape of an expected-interface file (YAML or JSON).
type document struct {
	ContractID        string      `yaml:"contract_id" json:"contract_id"`
	Operations        []operation `yaml:"operations" json:"operations"`
	RequiredMarkerIDs []string    `yaml:"required_marker_ids" json:"required_marker_ids"`
}

type operation struct {
	Name    string  `yaml:"name" json:"name"`
	Params  []param `yaml:"params" json:"params"`
	Returns string  `yaml:"returns" json:"returns"`
}

type param struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// Load reads an expected-interface document and normalizes it into the
// shared model. Declared types are canonicalized into the abstract
// vocabulary; an unknown type label fails the load rather than producing a
// contract that can never match.
func Load(path string) (*types.ExpectedInterface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse normalizes raw document bytes. ext selects the decoder (".json"
// for JSON, anything else is treated as YAML, which is a JSON superset
// in the yaml.v3 decoder anyway).
func Parse(data []byte, ext string) (*types.ExpectedInterface, error) {
	var doc document
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse contract JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse contract YAML: %w", err)
		}
	}

	expected := &types.ExpectedInterface{
		ContractID:        strings.TrimSpace(doc.ContractID),
		RequiredMarkerIDs: dedupe(doc.RequiredMarkerIDs),
	}

	for _, op := range doc.Operations {
		sig := types.OperationSignature{Name: strings.TrimSpace(op.Name)}
		for _, p := range op.Params {
			t, err := types.NormalizeType(p.Type)
			if err != nil {
				return nil, fmt.Errorf("operation %s, param %s: %w", op.Name, p.Name, err)
			}
			sig.Params = append(sig.Params, types.Param{Name: p.Name, Type: t})
		}
		ret, err := types.NormalizeType(op.Returns)
		if err != nil {
			return nil, fmt.Errorf("operation %s, return type: %w", op.Name, err)
		}
		sig.ReturnType = ret
		expected.Operations = append(expected.Operations, sig)
	}

	if err := expected.Validate(); err != nil {
		return nil, fmt.Errorf("invalid contract: %w", err)
	}
	return expected, nil
}

// dedupe preserves first-seen order while dropping repeated marker ids
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
