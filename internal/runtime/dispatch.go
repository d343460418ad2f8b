package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/governance"
	"github.com/odin-run/odin/internal/mode"
	"github.com/odin-run/odin/internal/obs"
	"github.com/odin-run/odin/internal/pluginmanager"
	"github.com/odin-run/odin/internal/policy"
	"github.com/odin-run/odin/internal/protocol"
	"github.com/odin-run/odin/internal/queue"
)

// processHandle runs exactly one task through one plugin dialogue: send
// task.received, read the single PluginDirective the control-flow
// overview describes ("receives a PluginDirective" — singular), act on
// it, then commit the claim. A blocked or failed action does not fail
// the task itself; only a plugin crash or protocol violation does.
func (rt *Runtime) processHandle(ctx context.Context, h *queue.Handle) {
	task := h.Task
	obs.TasksClaimed.Inc()
	defer h.Release()

	if rt.auditDown.Load() {
		rt.rejectTask(h, errcode.AuditSinkUnavailable, "audit sink unavailable; refusing further actions")
		return
	}

	if err := rt.q.Validate(task); err != nil {
		var e *errcode.Error
		if errors.As(err, &e) {
			rt.rejectTask(h, e.Code, e.Message)
		} else {
			rt.rejectTask(h, errcode.QueueIOError, err.Error())
		}
		return
	}

	names := rt.plugins.SubscribersOf(task.Type)
	if len(names) == 0 {
		rt.rejectTask(h, errcode.NoPluginSubscribed, "no plugin subscribes to task type "+task.Type)
		return
	}
	pluginName := names[0]

	proc, err := rt.getOrSpawnProcess(pluginName)
	if err != nil {
		rt.rejectTask(h, errcode.PluginSpawnFailed, err.Error())
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, rt.cfg.Runtime.TaskDeadline)
	defer cancel()
	taskCtx, span := obs.ContextWithTaskSpan(taskCtx, task)
	defer span.End()

	if err := proc.sendEnvelope(protocol.EventEnvelope{
		EventID:   newID(),
		EventType: protocol.EventTaskReceived,
		TaskID:    task.TaskID,
		Project:   task.Project,
		Payload:   task.Payload,
	}); err != nil {
		rt.handleProcessIOFailure(h, pluginName, err)
		return
	}

	dir, err := proc.nextDirective()
	if errors.Is(err, io.EOF) {
		rt.handlePluginExit(h, pluginName, proc)
		return
	}
	if err != nil {
		rt.recordProtocolViolation(h, pluginName, proc, task.TaskID, err)
		return
	}
	rt.resetViolations(proc)

	switch {
	case dir.IsNoop():
		// advances without further action
	case dir.IsRequestCapability():
		rt.handleRequestCapability(taskCtx, proc, task, dir)
	case dir.IsEnqueueTask():
		rt.handleEnqueueTask(task, dir)
	}

	if err := h.Accept(); err != nil {
		rt.log.Error("accepting task", obs.String("task_id", task.TaskID), obs.Err(err))
		return
	}
	obs.TasksAccepted.Inc()
	rt.markHealthy(pluginName)
}

func (rt *Runtime) rejectTask(h *queue.Handle, code errcode.Code, detail string) {
	if err := h.Reject(code, detail); err != nil {
		rt.log.Error("rejecting task", obs.Err(err))
		return
	}
	obs.TasksRejected.WithLabelValues(string(code)).Inc()
	rt.emitAudit("task.rejected", "runtime", h.Task.TaskID, map[string]interface{}{
		"task_id": h.Task.TaskID, "error_code": string(code), "detail": detail,
	})
}

// handleRequestCapability constructs an ActionRequest, consults the mode
// gate and then the policy engine, answers the plugin with an
// action.approved/action.denied envelope, and — when approved — runs
// the capability executor and records the outcome.
func (rt *Runtime) handleRequestCapability(ctx context.Context, proc *process, task queue.Task, dir protocol.PluginDirective) {
	reqID := newID()
	extras := parseDirectiveExtras(dir.Input)

	req := policy.ActionRequest{
		RequestID:    reqID,
		CapabilityID: dir.Capability.ID,
		Project:      dir.Capability.Project,
		Input:        dir.Input,
		RiskTier:     dir.EffectiveRiskTier(),
	}

	var envPtr *policy.Envelope
	if env, ok := rt.Permissions.Get(proc.name); ok {
		envPtr = &env
		if grant, found := env.Capability(req.CapabilityID); found {
			modeState, err := rt.modeSt.Read()
			if err == nil && mode.Gate(modeState.Mode, grant.Category, rt.cfg.Runtime.MutatingCategories, taskDryRun(task)) {
				rt.denyRequest(proc, task, req, errcode.ModeGateNotOperate, "mode gate: not in OPERATE")
				return
			}
		}
	}

	var manifestPtr *governance.CapabilityManifest
	if m, ok := rt.Manifests.Get(proc.name); ok {
		manifestPtr = &m
	}

	var stagehandReq *policy.StagehandRequest
	if extras.Stagehand != nil {
		stagehandReq = &policy.StagehandRequest{
			Action:    governance.StagehandAction(extras.Stagehand.Action),
			ActionTag: extras.Stagehand.ActionTag,
			URL:       extras.Stagehand.URL,
			Path:      extras.Stagehand.Path,
			Command:   extras.Stagehand.Command,
		}
	}

	_, span := obs.StartPolicyEvalSpan(ctx, req.CapabilityID)
	decision := policy.Evaluate(policy.Input{
		Request:              req,
		PluginName:           proc.name,
		DeclaredCapabilities: declaredCapabilities(proc.manifest),
		Envelope:             envPtr,
		RequestedScope:       extras.Scope,
		Stagehand:            stagehandReq,
		DestructiveApproved:  rt.Destructive.IsApproved(proc.name, req.CapabilityID),
		CapabilityManifest:   manifestPtr,
		Now:                  time.Now(),
	})
	span.End()
	obs.PolicyDecisions.WithLabelValues(string(decision.Status)).Inc()

	if decision.Status != protocol.StatusExecuted {
		rt.denyRequest(proc, task, req, decision.ErrorCode, decision.Reason)
		return
	}

	if err := proc.sendEnvelope(protocol.EventEnvelope{
		EventID:   newID(),
		EventType: protocol.EventActionApproved,
		TaskID:    task.TaskID,
		RequestID: reqID,
		Payload:   dir.Input,
	}); err != nil {
		rt.log.Warn("sending action.approved", obs.Err(err))
	}

	output, execErr := rt.Executor.Execute(ctx, req)
	outcome := protocol.ActionOutcome{RequestID: reqID, Status: protocol.StatusExecuted, Output: output}
	if execErr != nil {
		outcome = protocol.ActionOutcome{RequestID: reqID, Status: protocol.StatusFailed, ErrorCode: string(errcode.ExecutionFailed), Detail: execErr.Error()}
	}
	if err := proc.sendOutcome(outcome); err != nil {
		rt.log.Warn("sending outcome", obs.Err(err))
	}

	rt.emitAudit("action."+string(outcome.Status), "plugin:"+proc.name, task.TaskID, map[string]interface{}{
		"request_id": reqID, "capability_id": req.CapabilityID, "status": string(outcome.Status),
	})

	if outcome.Status == protocol.StatusExecuted {
		if evt, ok := validCheckpoint(extras.Checkpoint); ok {
			if _, err := rt.modeSt.RecordCheckpoint(evt); err != nil {
				rt.log.Warn("recording checkpoint", obs.Err(err))
			}
		}
	}
}

func (rt *Runtime) denyRequest(proc *process, task queue.Task, req policy.ActionRequest, code errcode.Code, reason string) {
	if err := proc.sendEnvelope(protocol.EventEnvelope{
		EventID:   newID(),
		EventType: protocol.EventActionDenied,
		TaskID:    task.TaskID,
		RequestID: req.RequestID,
	}); err != nil {
		rt.log.Warn("sending action.denied", obs.Err(err))
	}
	rt.emitAudit("action.blocked", "plugin:"+proc.name, task.TaskID, map[string]interface{}{
		"request_id": req.RequestID, "capability_id": req.CapabilityID, "error_code": string(code), "reason": reason,
	})
}

// handleEnqueueTask writes a follow-up task into the inbox, inheriting
// the parent's task_id as the new task's correlation anchor (Open
// Question decision: spec.md mandates correlation_id inheritance on
// every runtime-enqueued follow-up; queue.Task carries no correlation_id
// field of its own, so the parent id travels in Source).
func (rt *Runtime) handleEnqueueTask(parent queue.Task, dir protocol.PluginDirective) {
	followUp := queue.NewTask(newTaskID(), dir.TaskType, "runtime:followup:"+parent.TaskID, dir.Project, dir.EnqueuePayload)
	if err := rt.q.Write(followUp); err != nil {
		rt.log.Error("enqueueing follow-up task", obs.Err(err), obs.String("parent_task_id", parent.TaskID))
		return
	}
	rt.emitAudit("task.enqueued", "runtime", parent.TaskID, map[string]interface{}{
		"task_id": followUp.TaskID, "task_type": followUp.Type, "parent_task_id": parent.TaskID,
	})
}

// emitAudit writes an audit record. Auditability is an invariant, so a
// write failure flips the runtime into a permanently refusing state —
// fatal to further action processing rather than merely logged and
// ignored — instead of resetting on the next successful write.
func (rt *Runtime) emitAudit(eventType, actor, correlationID string, payload map[string]interface{}) {
	if _, err := rt.audit.Emit(audit.EventType(eventType), actor, correlationID, payload); err != nil {
		rt.auditDown.Store(true)
		rt.log.Error("audit sink write failed; refusing further actions", obs.Err(err))
	}
}

func declaredCapabilities(m pluginmanager.Manifest) []string {
	ids := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		ids = append(ids, c.ID)
	}
	return ids
}

func taskDryRun(t queue.Task) bool {
	var p struct {
		DryRun bool `json:"dry_run"`
	}
	if len(t.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return false
	}
	return p.DryRun
}

type directiveExtras struct {
	Scope      string `json:"scope,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Stagehand  *struct {
		Action    string `json:"action"`
		ActionTag string `json:"action_tag"`
		URL       string `json:"url"`
		Path      string `json:"path"`
		Command   string `json:"command"`
	} `json:"stagehand,omitempty"`
}

func parseDirectiveExtras(input json.RawMessage) directiveExtras {
	var e directiveExtras
	if len(input) == 0 {
		return e
	}
	_ = json.Unmarshal(input, &e) // Input is opaque; extras are best-effort
	return e
}

var knownCheckpoints = map[mode.CheckpointEvent]bool{
	mode.ProviderConnected: true, mode.TUIOpened: true, mode.InboxFirstItem: true,
	mode.TaskSplit: true, mode.DelegationCompleted: true, mode.GuardrailsAcknowledged: true,
	mode.TaskCycleVerified: true,
}

func validCheckpoint(s string) (mode.CheckpointEvent, bool) {
	evt := mode.CheckpointEvent(s)
	return evt, s != "" && knownCheckpoints[evt]
}

// recordProtocolViolation counts a malformed directive line. Enough
// consecutive violations kill the subprocess; a successfully decoded
// line resets the count.
func (rt *Runtime) recordProtocolViolation(h *queue.Handle, pluginName string, proc *process, taskID string, readErr error) {
	proc.mu.Lock()
	proc.violations++
	n := proc.violations
	proc.mu.Unlock()

	rt.emitAudit("plugin.protocol_violation", "plugin:"+pluginName, taskID, map[string]interface{}{
		"detail": readErr.Error(), "violation_count": n,
	})

	if n >= rt.cfg.Runtime.MaxProtocolViolations {
		rt.killProcess(pluginName, proc)
		rt.rejectTask(h, errcode.PluginProtocolViolation, readErr.Error())
		return
	}
	rt.rejectTask(h, errcode.PluginProtocolViolation, readErr.Error())
}

func (rt *Runtime) resetViolations(proc *process) {
	proc.mu.Lock()
	proc.violations = 0
	proc.mu.Unlock()
}

// handlePluginExit handles stdout EOF: the subprocess has exited.
// Per spec, the runtime does not restart for the current task; the
// task is rejected and the process slot is cleared so the next task
// lazily respawns it, subject to the one-retry-then-fail crash policy.
func (rt *Runtime) handlePluginExit(h *queue.Handle, pluginName string, proc *process) {
	var code int
	if proc.wait != nil {
		err := proc.wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	rt.forgetProcess(pluginName)
	rt.emitAudit("plugin.exited", "plugin:"+pluginName, h.Task.TaskID, map[string]interface{}{"exit_code": code})
	rt.noteCrash(pluginName)
	rt.rejectTask(h, errcode.PluginExitedNonzero, "plugin subprocess exited")
}

func (rt *Runtime) handleProcessIOFailure(h *queue.Handle, pluginName string, err error) {
	rt.forgetProcess(pluginName)
	rt.emitAudit("plugin.exited", "plugin:"+pluginName, h.Task.TaskID, map[string]interface{}{"detail": err.Error()})
	rt.noteCrash(pluginName)
	rt.rejectTask(h, errcode.PluginExitedNonzero, err.Error())
}
