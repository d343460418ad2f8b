package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/config"
	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/mode"
	"github.com/odin-run/odin/internal/obs"
	"github.com/odin-run/odin/internal/pluginmanager"
	"github.com/odin-run/odin/internal/queue"
	"github.com/odin-run/odin/internal/runtime"
	"github.com/odin-run/odin/internal/secrets"
)

// category is one of the three guardrails/mode-gate groupings an
// action can belong to.
const (
	categoryReadonly    = "readonly"
	categoryMutating    = "mutating"
	categoryIntegration = "integration"
)

// actionCategories maps each bootstrap action id to its guardrails and
// mode-gate category.
var actionCategories = map[string]string{
	"connect":     categoryIntegration,
	"start":       categoryMutating,
	"tui":         categoryReadonly,
	"inbox.add":   categoryMutating,
	"inbox.list":  categoryReadonly,
	"gateway.add": categoryIntegration,
	"verify":      categoryReadonly,
}

// Deps wires the subsystems the CLI drives. cmd/odin constructs one
// Deps per process and passes it to Dispatch.
type Deps struct {
	Cfg        *config.Config
	Log        *zap.Logger
	Queue      *queue.Queue
	Mode       *mode.Store
	Audit      *audit.Sink
	Plugins    *pluginmanager.Manager
	Vault      *secrets.Vault
	Runtime    *runtime.Runtime
	Guardrails *Guardrails
	Stdout     io.Writer
	Stderr     io.Writer
}

func (d *Deps) out() io.Writer {
	if d.Stdout != nil {
		return d.Stdout
	}
	return os.Stdout
}

func (d *Deps) errOut() io.Writer {
	if d.Stderr != nil {
		return d.Stderr
	}
	return os.Stderr
}

func (d *Deps) printf(format string, args ...interface{}) {
	fmt.Fprintf(d.out(), format, args...)
}

// printError prints the single-line, secret-free error format and
// returns the exit code the caller should return.
func (d *Deps) printError(code errcode.Code, message string) int {
	fmt.Fprintf(d.errOut(), "[odin] ERROR: %s\n", message)
	return errcode.ExitCode(code)
}

// printBlocked prints the bootstrap wrapper's additional BLOCKED line
// for a guardrails or mode-gate denial.
func (d *Deps) printBlocked(actionID, reason string) int {
	fmt.Fprintf(d.errOut(), "BLOCKED %s: %s\n", actionID, reason)
	return errcode.ExitBlockedByPolicy
}

// printUsageError prints the single-line error format for a malformed
// invocation (unknown subcommand, bad flags) — a concern distinct from
// any closed errcode.Code, so it returns the usage exit code directly
// rather than routing through errcode.ExitCode.
func (d *Deps) printUsageError(message string) int {
	fmt.Fprintf(d.errOut(), "[odin] ERROR: %s\n", message)
	return errcode.ExitUsageError
}

// acknowledgeGuardrailsIfRequested records the guardrails.acknowledged
// checkpoint when ODIN_GUARDRAILS_ACK=yes is set in the environment.
// Best-effort: a mode-store write failure here is logged, not fatal to
// the action in flight.
func (d *Deps) acknowledgeGuardrailsIfRequested() {
	if os.Getenv("ODIN_GUARDRAILS_ACK") != "yes" {
		return
	}
	if _, err := d.Mode.RecordCheckpoint(mode.GuardrailsAcknowledged); err != nil {
		d.Log.Warn("recording guardrails acknowledgement", obs.Err(err))
	}
}

// gate evaluates the guardrails denylist/confirm-required rules and the
// mode gate for actionID, in that order (denylist is absolute; the
// mode gate is the last and most frequently tripped check, matching
// the runtime's own request_capability ordering of cheap checks before
// the expensive cascade). None of these bootstrap-level denials are a
// runtime policy decision, so unlike request_capability blocks they
// carry no errcode.Code — the BLOCKED line's reason text is the only
// record, and the exit code is always the blocked-by-policy one.
func (d *Deps) gate(actionID string, dryRun, confirm bool) (blocked bool, reason string, ioErr error) {
	category := actionCategories[actionID]

	if d.Guardrails.Denied(actionID, category) {
		return true, "denied by guardrails policy", nil
	}
	if d.Guardrails.NeedsConfirmation(actionID, category) && !confirm && !dryRun {
		return true, "confirmation required; pass --confirm", nil
	}

	st, err := d.Mode.Read()
	if err != nil {
		return false, "", fmt.Errorf("reading mode state: %w", err)
	}
	if mode.Gate(st.Mode, category, d.Cfg.Runtime.MutatingCategories, dryRun) {
		return true, "mode is not OPERATE", nil
	}
	return false, "", nil
}

// Dispatch parses a single CLI invocation and runs it to completion,
// returning the process exit code.
func Dispatch(ctx context.Context, d *Deps, args []string) int {
	d.acknowledgeGuardrailsIfRequested()

	if len(args) == 0 {
		return d.printUsageError("missing subcommand")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "connect":
		return d.cmdConnect(ctx, rest)
	case "start":
		return d.cmdStart(ctx, rest)
	case "tui":
		return d.cmdTUI(ctx, rest)
	case "inbox":
		return d.cmdInbox(ctx, rest)
	case "gateway":
		return d.cmdGateway(ctx, rest)
	case "verify":
		return d.cmdVerify(ctx, rest)
	case "plugin":
		return d.cmdPlugin(ctx, rest)
	default:
		return d.printUsageError("unknown subcommand: " + sub)
	}
}

// parseDryRunConfirm extracts the shared [--dry-run] [--confirm] flags
// from args, returning everything else as positional arguments in
// their original relative order. Every subcommand places its
// positional arguments before these flags (e.g. `inbox add "<task>"
// [--dry-run] [--confirm]`), which the standard library flag.FlagSet
// cannot parse — it stops consuming flags at the first non-flag
// argument. Scanning the whole slice instead lets the flags appear
// anywhere, matching the documented invocation shape.
func parseDryRunConfirm(name string, args []string) (dryRun, confirm bool, positional []string, err error) {
	for _, a := range args {
		switch a {
		case "--dry-run":
			dryRun = true
		case "--confirm":
			confirm = true
		default:
			if len(a) >= 2 && a[0] == '-' && a[1] == '-' {
				return false, false, nil, fmt.Errorf("%s: unknown flag %q", name, a)
			}
			positional = append(positional, a)
		}
	}
	return dryRun, confirm, positional, nil
}
