// Copyright 2025 James Ross
// Package policy implements the default-deny Policy Engine: a pure
// function from an ActionRequest and the current policy state to an
// allow/block/approval_pending decision. It never executes an action
// and never talks to a plugin.
package policy

import (
	"encoding/json"
	"time"

	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/governance"
	"github.com/odin-run/odin/internal/protocol"
)

// ActionRequest is the runtime's request to execute one capability.
type ActionRequest struct {
	RequestID    string
	CapabilityID string
	Project      string
	Input        json.RawMessage
	RiskTier     protocol.RiskTier
}

// EnvelopeCapability is one capability grant inside a Plugin Permission
// Envelope. Category classifies the grant for the runtime's mode gate:
// a category listed in Runtime.MutatingCategories is blocked outside
// OPERATE mode unless the task is a dry run.
type EnvelopeCapability struct {
	ID           string
	Scope        []string
	AutoApproved bool
	Category     string
}

// Envelope is the per-enabled-plugin Plugin Permission Envelope.
type Envelope struct {
	Plugin       string
	TrustLevel   governance.TrustLevel
	Capabilities []EnvelopeCapability
	DataHandling string
	Approver     string
	ApprovedAt   time.Time
	// Stagehand is non-nil only for the Stagehand plugin's envelope,
	// which additionally requires explicit allow-lists.
	Stagehand *governance.StagehandEnvelope
}

func (e Envelope) capability(id string) (EnvelopeCapability, bool) {
	for _, c := range e.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return EnvelopeCapability{}, false
}

// Capability exposes the same lookup for callers outside the package,
// namely the runtime's mode gate, which needs a grant's Category before
// policy evaluation even runs.
func (e Envelope) Capability(id string) (EnvelopeCapability, bool) {
	return e.capability(id)
}

// DestructiveApproval records that a destructive action's approval was
// obtained out-of-band (§4.4 step 3: "always requires explicit approval
// recorded out-of-band").
type DestructiveApproval struct {
	RequestID string
	Approved  bool
}

// StagehandRequest carries the action-specific fields the Stagehand
// envelope check needs; zero value is fine for non-Stagehand plugins.
type StagehandRequest struct {
	Action    governance.StagehandAction
	ActionTag string
	URL       string
	Path      string
	Command   string
}

// Input bundles every piece of state Evaluate consults, so the decision
// is visibly a pure function of its arguments.
type Input struct {
	Request              ActionRequest
	PluginName           string
	DeclaredCapabilities []string // from the plugin manifest
	Envelope             *Envelope
	RequestedScope       string
	Stagehand            *StagehandRequest
	DestructiveApproved  bool
	CapabilityManifest   *governance.CapabilityManifest
	Now                  time.Time
}

// Decision is the engine's verdict.
type Decision struct {
	Status    protocol.OutcomeStatus
	ErrorCode errcode.Code
	Reason    string
}

func blocked(code errcode.Code, reason string) Decision {
	return Decision{Status: protocol.StatusBlocked, ErrorCode: code, Reason: reason}
}

func allowed(reason string) Decision {
	return Decision{Status: protocol.StatusExecuted, Reason: reason}
}

func pending(code errcode.Code, reason string) Decision {
	return Decision{Status: protocol.StatusApprovalPending, ErrorCode: code, Reason: reason}
}

func declared(capabilities []string, id string) bool {
	for _, c := range capabilities {
		if c == id {
			return true
		}
	}
	return false
}

// Evaluate runs the default-deny cascade, in order: declared
// capabilities, permission envelope (+ Stagehand allow-lists), risk
// tier gate, and the governance capability manifest when the action is
// part of a delegated chain. Ambiguity always resolves toward deny.
func Evaluate(in Input) Decision {
	id := in.Request.CapabilityID

	// 1. Declared capabilities (plugin manifest).
	if !declared(in.DeclaredCapabilities, id) {
		return blocked(errcode.CapabilityNotDeclared, "capability not declared in plugin manifest: "+id)
	}

	// 2. Permission envelope.
	if in.Envelope == nil {
		return blocked(errcode.PluginNotEnabled, "no permission envelope for plugin "+in.PluginName)
	}
	grant, ok := in.Envelope.capability(id)
	if !ok {
		return blocked(errcode.ScopeNotAllowed, "capability not granted by permission envelope: "+id)
	}
	if in.RequestedScope != "" && !scopeGranted(grant.Scope, in.RequestedScope) {
		return blocked(errcode.ScopeNotAllowed, "scope not granted: "+in.RequestedScope)
	}

	if in.Envelope.Stagehand != nil && in.Stagehand != nil {
		if code := governance.EvaluateStagehand(*in.Envelope.Stagehand, in.Stagehand.Action, governance.StagehandRequest{
			ActionTag: in.Stagehand.ActionTag,
			URL:       in.Stagehand.URL,
			Path:      in.Stagehand.Path,
			Command:   in.Stagehand.Command,
		}); code != "" {
			return blocked(code, "stagehand envelope denied the request")
		}
	}

	// 3. Risk tier gate.
	switch in.Request.RiskTier {
	case "", protocol.RiskSafe:
		// proceeds
	case protocol.RiskSensitive:
		if !grant.AutoApproved {
			return pending(errcode.ApprovalPending, "sensitive action requires approval")
		}
	case protocol.RiskDestructive:
		if !in.DestructiveApproved {
			return blocked(errcode.ApprovalRequired, "destructive action requires recorded out-of-band approval")
		}
	}

	// 4. Governance capability manifest, when delegated.
	if in.CapabilityManifest != nil {
		code := governance.ValidateCapability(*in.CapabilityManifest, in.PluginName, id, in.RequestedScope, in.Now)
		if !governance.ValidationOK(code) {
			return blocked(code, "governance capability manifest denied the request")
		}
	}

	return allowed("capability granted")
}

func scopeGranted(scopes []string, requested string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == requested {
			return true
		}
	}
	return false
}
