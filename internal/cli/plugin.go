package cli

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/pluginmanager"
)

// cmdPlugin implements the install|verify|list subcommand family,
// since the Plugin Manager has no other reachable surface.
func (d *Deps) cmdPlugin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return d.printUsageError("usage: plugin install|verify|list")
	}
	switch args[0] {
	case "install":
		return d.cmdPluginInstall(ctx, args[1:])
	case "verify":
		return d.cmdPluginVerify(ctx, args[1:])
	case "list":
		return d.cmdPluginList(ctx, args[1:])
	default:
		return d.printUsageError("unknown plugin subcommand: " + args[0])
	}
}

func (d *Deps) cmdPluginInstall(ctx context.Context, args []string) int {
	return d.runGate("plugin.install", args, func(dryRun bool, positional []string) int {
		if len(positional) < 1 {
			return d.printUsageError("usage: plugin install <path|git-ref|archive> [--dry-run] [--confirm]")
		}
		if dryRun {
			d.printf("would install plugin bundle from %s\n", positional[0])
			return errcode.ExitOK
		}
		src := pluginmanager.ParseSource(positional[0])
		m, err := d.Plugins.Install(src, pluginmanager.InstallOptions{
			RequireSignature: d.Cfg.PluginManager.RequireSignature,
			CoreVersion:      d.Cfg.PluginManager.CoreVersion,
			PluginsRoot:      d.Cfg.PluginManager.PluginsRoot,
			Verifier: pluginmanager.Verifier{
				MinisignPath: d.Cfg.PluginManager.MinisignPath,
				CosignPath:   d.Cfg.PluginManager.CosignPath,
			},
		})
		if err != nil {
			var e *errcode.Error
			if errors.As(err, &e) {
				return d.printError(e.Code, e.Message)
			}
			return d.printError(errcode.ManifestInvalid, err.Error())
		}
		d.printf("installed %s@%s\n", m.Name, m.Version)
		return errcode.ExitOK
	})
}

// cmdPluginVerify re-runs the same install pipeline against an
// already-resolved bundle path without registering it, reusing Install
// since the pipeline itself is the verification — there is no separate
// check beyond the install-time gate.
func (d *Deps) cmdPluginVerify(ctx context.Context, args []string) int {
	if len(args) < 1 {
		return d.printUsageError("usage: plugin verify <path|git-ref|archive>")
	}
	src := pluginmanager.ParseSource(args[0])
	m, err := d.Plugins.Install(src, pluginmanager.InstallOptions{
		RequireSignature: d.Cfg.PluginManager.RequireSignature,
		CoreVersion:      d.Cfg.PluginManager.CoreVersion,
		PluginsRoot:      d.Cfg.PluginManager.PluginsRoot,
		Verifier: pluginmanager.Verifier{
			MinisignPath: d.Cfg.PluginManager.MinisignPath,
			CosignPath:   d.Cfg.PluginManager.CosignPath,
		},
	})
	if err != nil {
		var e *errcode.Error
		if errors.As(err, &e) {
			return d.printError(e.Code, e.Message)
		}
		return d.printError(errcode.ManifestInvalid, err.Error())
	}
	d.printf("%s@%s verified ok\n", m.Name, m.Version)
	return errcode.ExitOK
}

func (d *Deps) cmdPluginList(ctx context.Context, args []string) int {
	manifests := d.Plugins.List()
	b, err := json.MarshalIndent(manifests, "", "  ")
	if err != nil {
		return d.printError(errcode.ManifestInvalid, err.Error())
	}
	d.printf("%s\n", b)
	return errcode.ExitOK
}
