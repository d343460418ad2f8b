// Copyright 2025 James Ross
// Package cli implements the bootstrap wrapper and subcommand surface:
// per-action guardrails gating (denylist, confirm-required), the mode
// gate, and the handlers behind connect, start, tui, inbox, gateway,
// and verify.
package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Guardrails is the parsed config/guardrails.yaml document. Entries in
// either list may name an action id (e.g. "start") or a category (e.g.
// "mutating"). A denylist match blocks the action outright; a
// confirm_required match blocks it unless --confirm or --dry-run is given.
type Guardrails struct {
	Denylist        []string `yaml:"denylist"`
	ConfirmRequired []string `yaml:"confirm_required"`
}

// LoadGuardrails reads the guardrails file at path. A missing file is
// not an error — it is read as an empty, permissive document, since a
// brand-new ODIN_DIR has no guardrails file yet and bootstrap must
// still be reachable.
func LoadGuardrails(path string) (*Guardrails, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Guardrails{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading guardrails file: %w", err)
	}
	var g Guardrails
	if err := yaml.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("parsing guardrails file: %w", err)
	}
	return &g, nil
}

func matches(list []string, actionID, category string) bool {
	for _, entry := range list {
		if entry == actionID || entry == category {
			return true
		}
	}
	return false
}

// Denied reports whether the guardrails file's denylist blocks the
// action outright, regardless of --dry-run or --confirm.
func (g *Guardrails) Denied(actionID, category string) bool {
	if g == nil {
		return false
	}
	return matches(g.Denylist, actionID, category)
}

// NeedsConfirmation reports whether the action requires an explicit
// --confirm before it may proceed.
func (g *Guardrails) NeedsConfirmation(actionID, category string) bool {
	if g == nil {
		return false
	}
	return matches(g.ConfirmRequired, actionID, category)
}
