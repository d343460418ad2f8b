// Copyright 2025 James Ross
// Package governance implements the scoped skill registry resolver, the
// textual trust/risk scanner, the delegation Capability Manifest
// validator, and the Stagehand browser-safety envelope.
package governance

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope is the precedence tier a skill registry record was resolved from.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// TrustLevel classifies how much scrutiny a skill install receives.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustCaution   TrustLevel = "caution"
	TrustUntrusted TrustLevel = "untrusted"
)

// SkillRecord is one entry in a scoped skill registry YAML file.
type SkillRecord struct {
	Name            string     `yaml:"name"`
	Description     string     `yaml:"description"`
	Source          string     `yaml:"source"`
	PinnedVersion   string     `yaml:"pinned_version,omitempty"`
	TrustLevel      TrustLevel `yaml:"trust_level"`
	RequiredTools   []string   `yaml:"required_tools,omitempty"`
	AllowedCommands []string   `yaml:"allowed_commands,omitempty"`
	ScriptsPresent  bool       `yaml:"scripts_present"`
	LastVerifiedAt  time.Time  `yaml:"last_verified_at,omitempty"`
}

type skillFile struct {
	Skills []SkillRecord `yaml:"skills"`
}

func loadRegistry(path string) (map[string]SkillRecord, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading skill registry %s: %w", path, err)
	}
	var sf skillFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("parsing skill registry %s: %w", path, err)
	}
	byName := make(map[string]SkillRecord, len(sf.Skills))
	for _, s := range sf.Skills {
		byName[s.Name] = s
	}
	return byName, nil
}

// SkillResolver resolves a skill name against the three scoped registries
// in strict precedence order: user > project > global.
type SkillResolver struct {
	UserPath    string
	ProjectPath string
	GlobalPath  string
}

// Resolve returns the highest-precedence record for name, or ok=false if
// no registry declares it.
func (r SkillResolver) Resolve(name string) (rec SkillRecord, scope Scope, ok bool, err error) {
	for _, tier := range []struct {
		path  string
		scope Scope
	}{
		{r.UserPath, ScopeUser},
		{r.ProjectPath, ScopeProject},
		{r.GlobalPath, ScopeGlobal},
	} {
		reg, err := loadRegistry(tier.path)
		if err != nil {
			return SkillRecord{}, "", false, err
		}
		if rec, found := reg[name]; found {
			return rec, tier.scope, true, nil
		}
	}
	return SkillRecord{}, "", false, nil
}
