// Copyright 2025 James Ross
// Package protocol defines the wire objects exchanged between the runtime
// and a plugin subprocess: EventEnvelope (runtime -> plugin),
// PluginDirective (plugin -> runtime), and ActionOutcome (runtime ->
// plugin). Every object is carried as a single JSON line.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType is the closed set of envelope event types.
type EventType string

const (
	EventTaskReceived   EventType = "task.received"
	EventActionApproved EventType = "action.approved"
	EventActionDenied   EventType = "action.denied"
	EventActionResult   EventType = "action.result"
	EventPluginShutdown EventType = "plugin.shutdown"
)

func (e EventType) Valid() bool {
	switch e {
	case EventTaskReceived, EventActionApproved, EventActionDenied, EventActionResult, EventPluginShutdown:
		return true
	default:
		return false
	}
}

// RiskTier classifies how much scrutiny an action request receives.
type RiskTier string

const (
	RiskSafe        RiskTier = "safe"
	RiskSensitive   RiskTier = "sensitive"
	RiskDestructive RiskTier = "destructive"
)

func (r RiskTier) Valid() bool {
	switch r {
	case RiskSafe, RiskSensitive, RiskDestructive:
		return true
	default:
		return false
	}
}

// OutcomeStatus is the closed set of ActionOutcome statuses.
type OutcomeStatus string

const (
	StatusExecuted        OutcomeStatus = "executed"
	StatusBlocked         OutcomeStatus = "blocked"
	StatusApprovalPending OutcomeStatus = "approval_pending"
	StatusFailed          OutcomeStatus = "failed"
)

// EventEnvelope is sent from the runtime to a plugin subprocess on stdin.
type EventEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	TaskID    string          `json:"task_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Project   string          `json:"project,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e EventEnvelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("unknown event_type %q", e.EventType)
	}
	return nil
}

// CapabilityRef names a capability and the project scope it applies to.
type CapabilityRef struct {
	ID      string `json:"id"`
	Project string `json:"project,omitempty"`
}

// directiveTag is the discriminated-union key carried by every
// PluginDirective on the wire.
type directiveTag string

const (
	directiveRequestCapability directiveTag = "request_capability"
	directiveEnqueueTask       directiveTag = "enqueue_task"
	directiveNoop              directiveTag = "noop"
)

// PluginDirective is the tagged union emitted by a plugin subprocess on
// stdout. Exactly one of the three shapes is populated, selected by
// Action. Unknown Action values are rejected by DecodeDirective.
type PluginDirective struct {
	Action directiveTag `json:"action"`

	// request_capability fields
	Capability CapabilityRef   `json:"capability,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	RiskTier   RiskTier        `json:"risk_tier,omitempty"`

	// enqueue_task fields
	TaskType       string          `json:"task_type,omitempty"`
	Project        string          `json:"project,omitempty"`
	EnqueueReason  string          `json:"enqueue_reason,omitempty"`
	EnqueuePayload json.RawMessage `json:"payload,omitempty"`
}

// IsRequestCapability reports whether the directive is a request_capability.
func (d PluginDirective) IsRequestCapability() bool { return d.Action == directiveRequestCapability }

// IsEnqueueTask reports whether the directive is an enqueue_task.
func (d PluginDirective) IsEnqueueTask() bool { return d.Action == directiveEnqueueTask }

// IsNoop reports whether the directive is a noop.
func (d PluginDirective) IsNoop() bool { return d.Action == directiveNoop }

// EffectiveRiskTier returns the directive's risk tier, defaulting to
// safe when omitted.
func (d PluginDirective) EffectiveRiskTier() RiskTier {
	if d.RiskTier == "" {
		return RiskSafe
	}
	return d.RiskTier
}

// DecodeDirective parses and validates a single directive line.
func DecodeDirective(line []byte) (PluginDirective, error) {
	var d PluginDirective
	if err := json.Unmarshal(line, &d); err != nil {
		return PluginDirective{}, fmt.Errorf("malformed directive json: %w", err)
	}
	switch d.Action {
	case directiveRequestCapability:
		if d.Capability.ID == "" {
			return PluginDirective{}, fmt.Errorf("request_capability requires capability.id")
		}
		if d.RiskTier != "" && !d.RiskTier.Valid() {
			return PluginDirective{}, fmt.Errorf("unknown risk_tier %q", d.RiskTier)
		}
	case directiveEnqueueTask:
		if d.TaskType == "" {
			return PluginDirective{}, fmt.Errorf("enqueue_task requires task_type")
		}
	case directiveNoop:
		// no required fields
	default:
		return PluginDirective{}, fmt.Errorf("unknown directive action %q", d.Action)
	}
	return d, nil
}

// NewRequestCapabilityDirective is a test/plugin-harness helper.
func NewRequestCapabilityDirective(capID, project, reason string, input json.RawMessage, risk RiskTier) PluginDirective {
	return PluginDirective{
		Action:     directiveRequestCapability,
		Capability: CapabilityRef{ID: capID, Project: project},
		Reason:     reason,
		Input:      input,
		RiskTier:   risk,
	}
}

// NewEnqueueTaskDirective is a test/plugin-harness helper.
func NewEnqueueTaskDirective(taskType, project, reason string, payload json.RawMessage) PluginDirective {
	return PluginDirective{
		Action:         directiveEnqueueTask,
		TaskType:       taskType,
		Project:        project,
		EnqueueReason:  reason,
		EnqueuePayload: payload,
	}
}

// NewNoopDirective is a test/plugin-harness helper.
func NewNoopDirective() PluginDirective {
	return PluginDirective{Action: directiveNoop}
}

// ActionOutcome is sent from the runtime to a plugin after policy
// evaluation and (if allowed) execution.
type ActionOutcome struct {
	RequestID string          `json:"request_id"`
	Status    OutcomeStatus   `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

func (o ActionOutcome) Validate() error {
	if o.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	switch o.Status {
	case StatusExecuted, StatusBlocked, StatusApprovalPending, StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", o.Status)
	}
	if (o.Status == StatusBlocked || o.Status == StatusFailed) && o.ErrorCode == "" {
		return fmt.Errorf("status %q requires error_code", o.Status)
	}
	return nil
}

// Encode serializes v as a single canonical JSON line (no trailing
// newline; callers append one when writing to a stream).
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
