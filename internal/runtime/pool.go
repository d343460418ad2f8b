package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/odin-run/odin/internal/obs"
)

// maxConsecutiveCrashes is the restart-on-crash-with-one-retry-then-fail
// policy: the first crash gets a fresh respawn on the next task; a
// second consecutive crash disables the plugin, and getOrSpawnProcess
// refuses it for the rest of the runtime's life. A task the plugin
// completes before that resets the counter (markHealthy).
const maxConsecutiveCrashes = 2

// getOrSpawnProcess returns the plugin's running subprocess, lazily
// spawning one if none exists. A plugin that has exhausted its crash
// budget is refused without attempting to spawn.
func (rt *Runtime) getOrSpawnProcess(name string) (*process, error) {
	rt.mu.Lock()
	if p, ok := rt.procs[name]; ok {
		rt.mu.Unlock()
		return p, nil
	}
	crashes := rt.crashes[name]
	rt.mu.Unlock()

	if crashes >= maxConsecutiveCrashes {
		return nil, fmt.Errorf("plugin %s disabled after %d consecutive crashes", name, crashes)
	}

	plugin, err := rt.plugins.Load(name)
	if err != nil {
		return nil, err
	}
	p, err := spawnProcess(name, plugin, func(line string) {
		rt.emitAudit("plugin.log", "plugin:"+name, "", map[string]interface{}{"line": line})
	})
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.procs[name] = p
	rt.mu.Unlock()
	return p, nil
}

func (rt *Runtime) forgetProcess(name string) {
	rt.mu.Lock()
	delete(rt.procs, name)
	rt.mu.Unlock()
}

func (rt *Runtime) killProcess(name string, p *process) {
	rt.forgetProcess(name)
	if p.kill != nil {
		_ = p.kill()
	}
}

func (rt *Runtime) noteCrash(name string) {
	rt.mu.Lock()
	rt.crashes[name]++
	rt.mu.Unlock()
	obs.PluginRestarts.WithLabelValues(name).Inc()
}

// markHealthy resets a plugin's crash count after a task it served
// completes without the subprocess exiting or violating protocol.
func (rt *Runtime) markHealthy(name string) {
	rt.mu.Lock()
	rt.crashes[name] = 0
	rt.mu.Unlock()
}

// runReaper periodically shuts down plugin subprocesses idle longer
// than their configured timeout.
func (rt *Runtime) runReaper(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.reapIdle()
		}
	}
}

func (rt *Runtime) reapIdle() {
	rt.mu.Lock()
	var idle []*process
	for name, p := range rt.procs {
		if p.idleSince() >= rt.cfg.Runtime.PluginIdleTimeout {
			idle = append(idle, p)
			delete(rt.procs, name)
		}
	}
	rt.mu.Unlock()

	for _, p := range idle {
		if err := p.shutdown(rt.cfg.Runtime.ShutdownGracePeriod); err != nil {
			rt.log.Warn("idle plugin shutdown", obs.String("plugin", p.name), obs.Err(err))
		}
		rt.emitAudit("plugin.idle_shutdown", "plugin:"+p.name, "", map[string]interface{}{"plugin": p.name})
	}
}
