package cli

import (
	"context"
	"encoding/json"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/mode"
	"github.com/odin-run/odin/internal/obs"
	"github.com/odin-run/odin/internal/queue"
)

// runGate is the shared pattern every subcommand follows: parse
// --dry-run/--confirm, evaluate the bootstrap gate, and only call fn
// when the action is actually allowed to proceed.
func (d *Deps) runGate(actionID string, args []string, fn func(dryRun bool, positional []string) int) int {
	dryRun, confirm, positional, err := parseDryRunConfirm(actionID, args)
	if err != nil {
		return d.printUsageError(err.Error())
	}

	blocked, reason, ioErr := d.gate(actionID, dryRun, confirm)
	if ioErr != nil {
		return d.printError(errcode.QueueIOError, ioErr.Error())
	}
	if blocked {
		return d.printBlocked(actionID, reason)
	}
	return fn(dryRun, positional)
}

func (d *Deps) cmdConnect(ctx context.Context, args []string) int {
	return d.runGate("connect", args, func(dryRun bool, positional []string) int {
		if len(positional) < 2 {
			return d.printUsageError("usage: connect <provider> <oauth|api>")
		}
		provider, method := positional[0], positional[1]
		if method != "oauth" && method != "api" {
			return d.printUsageError("connect method must be oauth or api")
		}
		if dryRun {
			d.printf("would connect %s via %s\n", provider, method)
			return errcode.ExitOK
		}
		d.emitAudit("cli.connect", "runtime", "", map[string]interface{}{
			"provider": provider,
			"method":   method,
		})
		if _, err := d.Mode.RecordCheckpoint(mode.ProviderConnected); err != nil {
			return d.printError(errcode.QueueIOError, "recording connect checkpoint: "+err.Error())
		}
		d.printf("connected %s via %s\n", provider, method)
		return errcode.ExitOK
	})
}

func (d *Deps) cmdStart(ctx context.Context, args []string) int {
	return d.runGate("start", args, func(dryRun bool, _ []string) int {
		if dryRun {
			d.printf("would start the runtime event loop\n")
			return errcode.ExitOK
		}
		d.emitAudit("cli.start", "runtime", "", nil)
		d.Runtime.Run(ctx)
		return errcode.ExitOK
	})
}

func (d *Deps) cmdTUI(ctx context.Context, args []string) int {
	return d.runGate("tui", args, func(dryRun bool, _ []string) int {
		if dryRun {
			d.printf("would open the terminal dashboard\n")
			return errcode.ExitOK
		}
		d.emitAudit("cli.tui_opened", "runtime", "", nil)
		if _, err := d.Mode.RecordCheckpoint(mode.TUIOpened); err != nil {
			return d.printError(errcode.QueueIOError, "recording tui checkpoint: "+err.Error())
		}
		d.printf("terminal dashboard is an out-of-scope collaborator; checkpoint recorded\n")
		return errcode.ExitOK
	})
}

func (d *Deps) cmdInbox(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return d.printUsageError("usage: inbox add|list")
	}
	switch args[0] {
	case "add":
		return d.cmdInboxAdd(ctx, args[1:])
	case "list":
		return d.cmdInboxList(ctx, args[1:])
	default:
		return d.printUsageError("unknown inbox subcommand: " + args[0])
	}
}

func (d *Deps) cmdInboxAdd(ctx context.Context, args []string) int {
	return d.runGate("inbox.add", args, func(dryRun bool, positional []string) int {
		if len(positional) < 1 {
			return d.printUsageError(`usage: inbox add "<task>"`)
		}
		text := positional[0]
		if dryRun {
			d.printf("would add inbox task: %s\n", text)
			return errcode.ExitOK
		}
		payload, _ := json.Marshal(map[string]string{"text": text})
		t := queue.NewTask(newTaskID(), "cli.adhoc", "cli", "", payload)
		if err := d.Queue.Write(t); err != nil {
			return d.printError(errcode.QueueIOError, "writing task: "+err.Error())
		}
		d.emitAudit("cli.inbox.add", "runtime", t.TaskID, map[string]interface{}{"task_id": t.TaskID})
		if _, err := d.Mode.RecordCheckpoint(mode.InboxFirstItem); err != nil {
			return d.printError(errcode.QueueIOError, "recording inbox checkpoint: "+err.Error())
		}
		d.printf("%s\n", t.TaskID)
		return errcode.ExitOK
	})
}

func (d *Deps) cmdInboxList(ctx context.Context, args []string) int {
	if len(args) != 0 {
		return d.printUsageError("inbox list takes no arguments")
	}
	entries, err := d.Queue.List()
	if err != nil {
		return d.printError(errcode.QueueIOError, err.Error())
	}
	for _, e := range entries {
		d.printf("%s\t%s\t%s\n", e.TaskID, e.Task.Type, e.CreatedAt)
	}
	return errcode.ExitOK
}

func (d *Deps) cmdGateway(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return d.printUsageError("usage: gateway add <cli|slack|telegram>")
	}
	if args[0] != "add" {
		return d.printUsageError("unknown gateway subcommand: " + args[0])
	}
	rest := args[1:]
	return d.runGate("gateway.add", rest, func(dryRun bool, positional []string) int {
		if len(positional) < 1 {
			return d.printUsageError("usage: gateway add <cli|slack|telegram>")
		}
		kind := positional[0]
		switch kind {
		case "cli", "slack", "telegram":
		default:
			return d.printUsageError("unsupported gateway kind: " + kind)
		}
		if dryRun {
			d.printf("would add gateway: %s\n", kind)
			return errcode.ExitOK
		}
		d.emitAudit("cli.gateway.add", "runtime", "", map[string]interface{}{"kind": kind})
		d.printf("gateway %s registered\n", kind)
		return errcode.ExitOK
	})
}

// cmdVerify performs the round-trip probe that backs invariant 1
// (inbox → outbox/rejected after one runtime tick) and, on success,
// records the task.cycle.verified checkpoint and sets the
// last-verify-passed flag; a RECOVERY mode stays RECOVERY.
func (d *Deps) cmdVerify(ctx context.Context, args []string) int {
	return d.runGate("verify", args, func(dryRun bool, _ []string) int {
		if dryRun {
			d.printf("would run the verify probe\n")
			return errcode.ExitOK
		}
		probeID := newTaskID()
		payload, _ := json.Marshal(map[string]bool{"probe": true})
		t := queue.NewTask(probeID, "odin.verify.probe", "cli", "", payload)
		if err := d.Queue.Write(t); err != nil {
			return d.failVerify(errcode.QueueIOError, "writing probe task: "+err.Error())
		}
		if err := d.Runtime.RunOnce(ctx); err != nil {
			return d.failVerify(errcode.QueueIOError, "running probe task: "+err.Error())
		}
		remaining, err := d.Queue.List()
		if err != nil {
			return d.failVerify(errcode.QueueIOError, "listing inbox: "+err.Error())
		}
		for _, e := range remaining {
			if e.TaskID == probeID {
				return d.failVerify(errcode.QueueIOError, "probe task was not claimed off the inbox")
			}
		}
		if _, err := d.Mode.RecordCheckpoint(mode.TaskCycleVerified); err != nil {
			return d.failVerify(errcode.QueueIOError, "recording verify checkpoint: "+err.Error())
		}
		if _, err := d.Mode.VerifyPassed(); err != nil {
			return d.failVerify(errcode.QueueIOError, "marking verify passed: "+err.Error())
		}
		d.emitAudit("cli.verify.passed", "runtime", probeID, nil)
		d.printf("verify passed: probe task %s left the inbox\n", probeID)
		return errcode.ExitOK
	})
}

func (d *Deps) failVerify(code errcode.Code, detail string) int {
	if _, err := d.Mode.VerifyFailed(); err != nil {
		d.Log.Warn("recording verify failure", obs.Err(err))
	}
	d.emitAudit("cli.verify.failed", "runtime", "", map[string]interface{}{"detail": detail})
	return d.printError(code, detail)
}

func (d *Deps) emitAudit(eventType, actor, correlationID string, payload map[string]interface{}) {
	if _, err := d.Audit.Emit(audit.EventType(eventType), actor, correlationID, payload); err != nil {
		d.Log.Error("audit sink write failed", obs.Err(err))
	}
}
