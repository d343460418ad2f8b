package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/config"
	"github.com/odin-run/odin/internal/mode"
	"github.com/odin-run/odin/internal/obs"
	"github.com/odin-run/odin/internal/pluginmanager"
	"github.com/odin-run/odin/internal/queue"
	"github.com/odin-run/odin/internal/secrets"
)

// Runtime is the event loop. It owns no state of its own beyond
// in-memory process handles and the small admin-loaded stores
// (permissions, delegated manifests, destructive approvals) — the
// durable state lives in the queue, the mode store, and the audit
// sink.
type Runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	q       *queue.Queue
	modeSt  *mode.Store
	plugins *pluginmanager.Manager
	audit   *audit.Sink
	vault   *secrets.Vault

	Permissions *PermissionStore
	Manifests   *ManifestStore
	Destructive *DestructiveApprovalStore
	Executor    *ExecutorRegistry

	mu      sync.Mutex
	procs   map[string]*process
	crashes map[string]int

	auditDown atomic.Bool
}

func New(cfg *config.Config, log *zap.Logger, q *queue.Queue, modeSt *mode.Store, plugins *pluginmanager.Manager, auditSink *audit.Sink, vault *secrets.Vault) *Runtime {
	return &Runtime{
		cfg:         cfg,
		log:         log,
		q:           q,
		modeSt:      modeSt,
		plugins:     plugins,
		audit:       auditSink,
		vault:       vault,
		Permissions: NewPermissionStore(),
		Manifests:   NewManifestStore(),
		Destructive: NewDestructiveApprovalStore(),
		Executor:    NewExecutorRegistry(),
		procs:       map[string]*process{},
		crashes:     map[string]int{},
	}
}

// Run starts the worker pool and the idle-timeout reaper and blocks
// until ctx is cancelled, at which point every running plugin
// subprocess is sent a shutdown envelope and given its grace period.
func (rt *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < rt.cfg.Runtime.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rt.runWorker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.runReaper(ctx)
	}()

	<-ctx.Done()
	rt.shutdownAll()
	wg.Wait()
}

// RunOnce drains every task currently in the inbox and returns, used by
// the CLI's --run-once flag and by tests.
func (rt *Runtime) RunOnce(ctx context.Context) error {
	for {
		handles, err := rt.q.Claim(1)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return nil
		}
		rt.processHandle(ctx, handles[0])
	}
}

func (rt *Runtime) runWorker(ctx context.Context, id int) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handles, err := rt.q.Claim(1)
			if err != nil {
				rt.log.Warn("claim failed", obs.Err(err), obs.Int("worker", id))
				continue
			}
			for _, h := range handles {
				rt.processHandle(ctx, h)
			}
		}
	}
}

func (rt *Runtime) shutdownAll() {
	rt.mu.Lock()
	procs := make([]*process, 0, len(rt.procs))
	for _, p := range rt.procs {
		procs = append(procs, p)
	}
	rt.procs = map[string]*process{}
	rt.mu.Unlock()

	for _, p := range procs {
		if err := p.shutdown(rt.cfg.Runtime.ShutdownGracePeriod); err != nil {
			rt.log.Warn("plugin shutdown", obs.String("plugin", p.name), obs.Err(err))
		}
	}
}
