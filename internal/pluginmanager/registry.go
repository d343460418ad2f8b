package pluginmanager

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/errcode"
)

// AuditSink is the subset of *audit.Sink the plugin manager needs,
// narrowed to an interface so tests can substitute a recorder.
type AuditSink interface {
	Emit(eventType audit.EventType, actor, correlationID string, payload map[string]interface{}) (audit.Event, error)
}

// LoadedPlugin is a registered, installed plugin ready to be loaded by
// the runtime.
type LoadedPlugin struct {
	Manifest Manifest
	BundleDir string
}

// Manager owns the set of installed plugins and the install pipeline's
// audit sink.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]LoadedPlugin
	Audit   AuditSink
}

// NewManager constructs an empty plugin registry.
func NewManager(sink AuditSink) *Manager {
	return &Manager{plugins: map[string]LoadedPlugin{}, Audit: sink}
}

func (mgr *Manager) register(m Manifest, bundleDir string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.plugins[m.Name] = LoadedPlugin{Manifest: m, BundleDir: bundleDir}
}

// Load returns the registered plugin's handle by name.
func (mgr *Manager) Load(name string) (LoadedPlugin, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	p, ok := mgr.plugins[name]
	if !ok {
		return LoadedPlugin{}, errcode.New(errcode.ManifestInvalid, "no installed plugin named "+name)
	}
	return p, nil
}

// List returns every registered plugin's manifest.
func (mgr *Manager) List() []Manifest {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]Manifest, 0, len(mgr.plugins))
	for _, p := range mgr.plugins {
		out = append(out, p.Manifest)
	}
	return out
}

// ScanInstalled re-registers every already-installed plugin found
// directly under root (the persisted plugins/<name>/ bundle directory
// written by a prior Install), so a restarted runtime doesn't forget
// what was installed before it last exited. A directory missing
// manifest.yaml or failing to parse is skipped rather than aborting
// the scan, since one corrupt bundle shouldn't block every other
// plugin from loading.
func (mgr *Manager) ScanInstalled(root string) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errcode.Wrap(errcode.QueueIOError, "reading plugins root", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bundleDir := filepath.Join(root, e.Name())
		b, err := os.ReadFile(filepath.Join(bundleDir, "manifest.yaml"))
		if err != nil {
			continue
		}
		m, err := ParseManifest(b)
		if err != nil {
			continue
		}
		mgr.register(m, bundleDir)
	}
	return nil
}

// SubscribersOf returns the names of every registered plugin that
// subscribes to the given hook/event type, used by the runtime's
// static task.type -> plugin routing table.
func (mgr *Manager) SubscribersOf(hook string) []string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	var names []string
	for name, p := range mgr.plugins {
		for _, h := range p.Manifest.Hooks {
			if h == hook {
				names = append(names, name)
				break
			}
		}
	}
	return names
}
