package policy

import "github.com/odin-run/odin/internal/governance"

// Step is one stage of the default-deny cascade as consulted for a
// single Explain call.
type Step struct {
	Stage   string `json:"stage"`
	Allowed bool   `json:"allowed"`
	Detail  string `json:"detail"`
}

// Trace is the full rule chain consulted to reach a decision, returned
// by Explain for dry-run simulation without side effects.
type Trace struct {
	Steps    []Step   `json:"steps"`
	Decision Decision `json:"decision"`
}

// Explain re-runs the same cascade Evaluate uses but records every
// stage's reasoning instead of short-circuiting at the first block, so
// a caller can see not just the verdict but why each earlier stage
// would or would not have also denied the request.
func Explain(in Input) Trace {
	var steps []Step

	declaredOK := declared(in.DeclaredCapabilities, in.Request.CapabilityID)
	steps = append(steps, Step{
		Stage:   "declared_capability",
		Allowed: declaredOK,
		Detail:  in.Request.CapabilityID,
	})

	envelopeOK := false
	var grant EnvelopeCapability
	if in.Envelope != nil {
		if g, ok := in.Envelope.capability(in.Request.CapabilityID); ok {
			grant = g
			envelopeOK = in.RequestedScope == "" || scopeGranted(g.Scope, in.RequestedScope)
		}
	}
	steps = append(steps, Step{
		Stage:   "permission_envelope",
		Allowed: envelopeOK,
		Detail:  in.PluginName,
	})

	stagehandOK := true
	if in.Envelope != nil && in.Envelope.Stagehand != nil && in.Stagehand != nil {
		code := governance.EvaluateStagehand(*in.Envelope.Stagehand, in.Stagehand.Action, governance.StagehandRequest{
			ActionTag: in.Stagehand.ActionTag,
			URL:       in.Stagehand.URL,
			Path:      in.Stagehand.Path,
			Command:   in.Stagehand.Command,
		})
		stagehandOK = code == ""
	}
	steps = append(steps, Step{Stage: "stagehand_envelope", Allowed: stagehandOK})

	riskOK := true
	switch in.Request.RiskTier {
	case "safe", "":
		riskOK = true
	case "sensitive":
		riskOK = grant.AutoApproved
	case "destructive":
		riskOK = in.DestructiveApproved
	}
	steps = append(steps, Step{Stage: "risk_tier_gate", Allowed: riskOK, Detail: string(in.Request.RiskTier)})

	governanceOK := true
	if in.CapabilityManifest != nil {
		code := governance.ValidateCapability(*in.CapabilityManifest, in.PluginName, in.Request.CapabilityID, in.RequestedScope, in.Now)
		governanceOK = governance.ValidationOK(code)
	}
	steps = append(steps, Step{Stage: "governance_manifest", Allowed: governanceOK})

	return Trace{Steps: steps, Decision: Evaluate(in)}
}
