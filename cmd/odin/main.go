// Copyright 2025 James Ross
// Command odin is the orchestration engine's entrypoint: it wires the
// queue, mode state, audit sink, secrets vault, plugin manager, and
// runtime together, then dispatches the requested subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/cli"
	"github.com/odin-run/odin/internal/config"
	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/mode"
	"github.com/odin-run/odin/internal/obs"
	"github.com/odin-run/odin/internal/pluginmanager"
	"github.com/odin-run/odin/internal/queue"
	"github.com/odin-run/odin/internal/runtime"
	"github.com/odin-run/odin/internal/secrets"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("odin", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "path to YAML config (optional)")
	guardrailsOverride := fs.String("guardrails", "", "override config/guardrails.yaml location")
	taskFile := fs.String("task-file", "", "headless mode: path to a single task JSON file")
	pluginsRootOverride := fs.String("plugins-root", "", "headless mode: plugins root directory")
	runOnce := fs.Bool("run-once", false, "headless mode: drain the inbox once and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return errcode.ExitUsageError
	}

	if *showVersion {
		fmt.Println(version)
		return errcode.ExitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: loading config: %s\n", err)
		return errcode.ExitDataError
	}
	if *guardrailsOverride != "" {
		cfg.Governance.GuardrailsPath = *guardrailsOverride
	}
	if *pluginsRootOverride != "" {
		cfg.PluginManager.PluginsRoot = *pluginsRootOverride
	}
	// ODIN_PROFILE and ODIN_TUI_PROFILE select among named config
	// profiles for the out-of-scope dashboard collaborator; the
	// runtime itself has a single profile-independent config shape.
	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: building logger: %s\n", err)
		return errcode.ExitDataError
	}
	defer log.Sync() //nolint:errcheck

	for _, dir := range []string{"inbox", "outbox", "rejected", "plugins", "state", "secrets", "logs"} {
		if err := os.MkdirAll(filepath.Join(cfg.OdinDir, dir), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "[odin] ERROR: preparing %s: %s\n", dir, err)
			return errcode.ExitDataError
		}
	}
	if err := os.Chmod(filepath.Join(cfg.OdinDir, "secrets"), 0o700); err != nil {
		log.Warn("tightening secrets dir permissions", obs.Err(err))
	}

	q, err := queue.New(cfg.OdinDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: opening queue: %s\n", err)
		return errcode.ExitDataError
	}
	q.SetMaxTaskBytes(cfg.Queue.MaxTaskBytes)

	modeStatePath := cfg.ModeStatePath
	if p := os.Getenv("ODIN_MODE_STATE_PATH"); p != "" {
		modeStatePath = p
	}
	modeSt := mode.NewStore(modeStatePath)

	vault := secrets.New()

	auditPath := filepath.Join(cfg.OdinDir, "events.jsonl")
	auditSink, err := audit.Open(auditPath, vault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: opening audit sink: %s\n", err)
		return errcode.ExitDataError
	}
	defer auditSink.Close() //nolint:errcheck

	plugins := pluginmanager.NewManager(auditSink)
	if err := plugins.ScanInstalled(cfg.PluginManager.PluginsRoot); err != nil {
		log.Warn("scanning installed plugins", obs.Err(err))
	}

	rt := runtime.New(cfg, log, q, modeSt, plugins, auditSink, vault)

	guardrailsPath := cfg.Governance.GuardrailsPath
	if p := os.Getenv("ODIN_GUARDRAILS_PATH"); p != "" {
		guardrailsPath = p
	}
	guardrails, err := cli.LoadGuardrails(guardrailsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: loading guardrails: %s\n", err)
		return errcode.ExitDataError
	}

	deps := &cli.Deps{
		Cfg:        cfg,
		Log:        log,
		Queue:      q,
		Mode:       modeSt,
		Audit:      auditSink,
		Plugins:    plugins,
		Vault:      vault,
		Runtime:    rt,
		Guardrails: guardrails,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *taskFile != "" {
		return runHeadless(ctx, deps, *taskFile, *runOnce)
	}

	return cli.Dispatch(ctx, deps, fs.Args())
}

// runHeadless implements the `--task-file <path> --plugins-root <dir>
// --run-once` mode: copy the task file into the inbox, then with
// --run-once drain the inbox once and exit, or without it run the event
// loop until ctx is cancelled.
func runHeadless(ctx context.Context, deps *cli.Deps, taskFile string, runOnce bool) int {
	b, err := os.ReadFile(taskFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: reading task file: %s\n", err)
		return errcode.ExitMissingFile
	}
	t, err := queue.UnmarshalTask(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: parsing task file: %s\n", err)
		return errcode.ExitDataError
	}
	if err := deps.Queue.Write(t); err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: writing task to inbox: %s\n", err)
		return errcode.ExitDataError
	}
	if !runOnce {
		deps.Runtime.Run(ctx)
		return errcode.ExitOK
	}
	if err := deps.Runtime.RunOnce(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "[odin] ERROR: running task once: %s\n", err)
		return errcode.ExitDataError
	}
	return errcode.ExitOK
}
