package governance

import (
	"time"

	"github.com/google/uuid"

	"github.com/odin-run/odin/internal/errcode"
)

// SupportedManifestSchemaVersions mirrors the queue's schema-version gate
// but for delegation capability manifests.
var SupportedManifestSchemaVersions = map[int]bool{1: true}

// CapabilityGrant is a single granted capability within a Capability
// Manifest, with optional scope restriction.
type CapabilityGrant struct {
	ID    string   `json:"id"`
	Scope []string `json:"scope,omitempty"`
}

// CapabilityManifest is the ephemeral grant attached to a delegated
// action chain.
type CapabilityManifest struct {
	ManifestID    string            `json:"manifest_id,omitempty"`
	SchemaVersion int               `json:"schema_version"`
	Plugin        string            `json:"plugin"`
	Capabilities  []CapabilityGrant `json:"capabilities"`
	ExpiresAt     time.Time         `json:"expires_at"`
	TaskID        string            `json:"task_id,omitempty"`
}

// NewCapabilityManifest mints a manifest with a fresh ManifestID, for a
// delegator issuing a new grant rather than replaying one read back off
// disk (where ManifestID already carries the id assigned at issuance).
func NewCapabilityManifest(plugin string, capabilities []CapabilityGrant, expiresAt time.Time, taskID string) CapabilityManifest {
	return CapabilityManifest{
		ManifestID:    uuid.NewString(),
		SchemaVersion: 1,
		Plugin:        plugin,
		Capabilities:  capabilities,
		ExpiresAt:     expiresAt,
		TaskID:        taskID,
	}
}

func (m CapabilityManifest) grant(capabilityID string) (CapabilityGrant, bool) {
	for _, g := range m.Capabilities {
		if g.ID == capabilityID {
			return g, true
		}
	}
	return CapabilityGrant{}, false
}

func scopeContains(scopes []string, want string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// ValidateCapability checks a requested capability against an active
// Capability Manifest, returning one of the six governance validation
// codes. pluginName is the delegating plugin's manifest name;
// requestedScope is the scope the action request is attempting to use
// (empty string if the capability carries no scope).
func ValidateCapability(m CapabilityManifest, pluginName, capabilityID, requestedScope string, now time.Time) errcode.Code {
	if !SupportedManifestSchemaVersions[m.SchemaVersion] {
		return errcode.ManifestSchemaVersionUnsupported
	}
	if m.Plugin != pluginName {
		return errcode.ManifestPluginMismatch
	}
	if !now.Before(m.ExpiresAt) {
		return errcode.ManifestExpired
	}
	grant, ok := m.grant(capabilityID)
	if !ok {
		return errcode.ManifestCapabilityNotGranted
	}
	if requestedScope != "" && !scopeContains(grant.Scope, requestedScope) {
		return errcode.ManifestScopeNotGranted
	}
	return ""
}

// ValidationOK reports whether code represents the allow outcome ("").
func ValidationOK(code errcode.Code) bool {
	return code == ""
}
