// Copyright 2025 James Ross
// Package pluginmanager implements the install/verify/load pipeline for
// plugin bundles: checksum gate, signature verification, manifest
// schema validation, core-version compatibility, and registration.
package pluginmanager

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/odin-run/odin/internal/errcode"
)

var (
	pluginNamePattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,63}$`)
	capabilityIDPattern   = regexp.MustCompile(`^[a-z][a-z0-9._:-]{2,127}$`)
	hookVocabulary        = map[string]bool{"task.received": true, "action.approved": true, "action.denied": true, "action.result": true, "plugin.shutdown": true}
	signingMethodAllowed  = map[string]bool{"none": true, "minisign": true, "sigstore": true}
)

// Entrypoint is the command used to launch the plugin subprocess.
type Entrypoint struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args,omitempty"`
}

// Compatibility declares the semver range of compatible core versions.
type Compatibility struct {
	CoreVersion string `yaml:"core_version" json:"core_version"`
}

// ManifestCapability is one capability the plugin may request at runtime.
type ManifestCapability struct {
	ID    string   `yaml:"id" json:"id"`
	Scope []string `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// StorageQuota is an optional declared storage ceiling.
type StorageQuota struct {
	MaxBytes int64 `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
}

// Integrity carries the bundle's expected checksum.
type Integrity struct {
	ChecksumSHA256 string `yaml:"checksum_sha256" json:"checksum_sha256"`
}

// Distribution groups the bundle-integrity fields.
type Distribution struct {
	Integrity Integrity `yaml:"integrity" json:"integrity"`
}

// Signing declares whether and how the bundle must be signed.
type Signing struct {
	Required bool   `yaml:"required" json:"required"`
	Method   string `yaml:"method" json:"method"`
}

// Manifest is the declarative contract attached to each plugin bundle.
type Manifest struct {
	Name          string               `yaml:"name" json:"name"`
	Version       string               `yaml:"version" json:"version"`
	Runtime       string               `yaml:"runtime" json:"runtime"`
	Entrypoint    Entrypoint           `yaml:"entrypoint" json:"entrypoint"`
	Compatibility Compatibility        `yaml:"compatibility" json:"compatibility"`
	Hooks         []string             `yaml:"hooks" json:"hooks"`
	Capabilities  []ManifestCapability `yaml:"capabilities" json:"capabilities"`
	Storage       *StorageQuota        `yaml:"storage,omitempty" json:"storage,omitempty"`
	Distribution  Distribution         `yaml:"distribution" json:"distribution"`
	Signing       Signing              `yaml:"signing" json:"signing"`
}

// manifestSchema is the JSON Schema the parsed manifest must satisfy,
// enforced in addition to the regex/enum checks ParseManifest performs
// directly — this is the "unknown required-shaped field" gate spec.md
// §8's round-trip law calls for.
const manifestSchema = `{
  "type": "object",
  "required": ["name", "version", "runtime", "entrypoint", "compatibility", "capabilities", "distribution", "signing"],
  "properties": {
    "name": {"type": "string"},
    "version": {"type": "string"},
    "runtime": {"type": "string", "enum": ["external-process"]},
    "entrypoint": {
      "type": "object",
      "required": ["command"],
      "properties": {"command": {"type": "string"}, "args": {"type": "array"}}
    },
    "compatibility": {
      "type": "object",
      "required": ["core_version"],
      "properties": {"core_version": {"type": "string"}}
    },
    "capabilities": {"type": "array"},
    "distribution": {
      "type": "object",
      "required": ["integrity"],
      "properties": {
        "integrity": {
          "type": "object",
          "required": ["checksum_sha256"],
          "properties": {"checksum_sha256": {"type": "string"}}
        }
      }
    },
    "signing": {
      "type": "object",
      "required": ["required", "method"],
      "properties": {"required": {"type": "boolean"}, "method": {"type": "string"}}
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ParseManifest parses and validates a manifest document's bytes
// (YAML or JSON, since YAML is a JSON superset for the object shapes
// this schema describes), in the order the schema gate, the required
// runtime value, and every regex/enum invariant run.
func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, errcode.Wrap(errcode.ManifestInvalid, "manifest is not valid YAML/JSON", err)
	}

	asJSON, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, errcode.Wrap(errcode.ManifestInvalid, "manifest could not be normalized to JSON", err)
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(asJSON))
	if err != nil {
		return Manifest{}, errcode.Wrap(errcode.ManifestInvalid, "schema validation failed", err)
	}
	if !result.Valid() {
		return Manifest{}, errcode.New(errcode.ManifestInvalid, fmt.Sprintf("manifest failed schema validation: %v", result.Errors()))
	}

	if err := validateInvariants(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func validateInvariants(m Manifest) error {
	if !pluginNamePattern.MatchString(m.Name) {
		return errcode.New(errcode.ManifestInvalid, "plugin name does not match required pattern: "+m.Name)
	}
	if !semver.IsValid(normalizeSemver(m.Version)) {
		return errcode.New(errcode.ManifestInvalid, "plugin version is not valid semver: "+m.Version)
	}
	if m.Runtime != "external-process" {
		return errcode.New(errcode.ManifestInvalid, "runtime must be external-process, got: "+m.Runtime)
	}
	if m.Entrypoint.Command == "" {
		return errcode.New(errcode.ManifestInvalid, "entrypoint.command is required")
	}
	for _, h := range m.Hooks {
		if !hookVocabulary[h] {
			return errcode.New(errcode.ManifestInvalid, "unknown hook in manifest: "+h)
		}
	}
	for _, c := range m.Capabilities {
		if !capabilityIDPattern.MatchString(c.ID) {
			return errcode.New(errcode.ManifestInvalid, "capability id does not match required pattern: "+c.ID)
		}
	}
	if !signingMethodAllowed[m.Signing.Method] {
		return errcode.New(errcode.ManifestInvalid, "unknown signing method: "+m.Signing.Method)
	}
	if m.Signing.Required && m.Signing.Method == "none" {
		return errcode.New(errcode.SignatureRequiredButNone, "signing.required is true but signing.method is none")
	}
	return nil
}
