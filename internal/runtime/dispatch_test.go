package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"github.com/odin-run/odin/internal/audit"
	"github.com/odin-run/odin/internal/config"
	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/mode"
	"github.com/odin-run/odin/internal/pluginmanager"
	"github.com/odin-run/odin/internal/policy"
	"github.com/odin-run/odin/internal/protocol"
	"github.com/odin-run/odin/internal/queue"
	"github.com/odin-run/odin/internal/secrets"
)

// bufStdin captures everything the runtime writes to a plugin's stdin,
// line by line, standing in for the subprocess's stdin pipe.
type bufStdin struct {
	buf bytes.Buffer
}

func (b *bufStdin) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *bufStdin) Close() error                { return nil }

func (b *bufStdin) lines() []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func (b *bufStdin) eventTypes() []string {
	var out []string
	for _, l := range b.lines() {
		var e struct {
			EventType string `json:"event_type"`
			Status    string `json:"status"`
		}
		_ = json.Unmarshal([]byte(l), &e)
		if e.EventType != "" {
			out = append(out, e.EventType)
		} else if e.Status != "" {
			out = append(out, "outcome:"+e.Status)
		}
	}
	return out
}

func sha256Tree(root string) string {
	h := sha256.New()
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		name := filepath.Base(path)
		if name == "manifest.yaml" || name == "manifest.sig" || name == "manifest.pub" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		h.Write(b)
		return nil
	})
	return hex.EncodeToString(h.Sum(nil))
}

// newTestManager installs one real plugin bundle (via the ordinary
// Install pipeline, checksum and all) subscribed to demoTaskType and
// declaring demoCapability, so SubscribersOf/Load behave exactly as
// they would for a production plugin.
func newTestManager(t *testing.T, sink *audit.Sink) *pluginmanager.Manager {
	t.Helper()
	bundleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "plugin-bin"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	sum := sha256Tree(bundleDir)

	manifest := `
name: demo-plugin
version: "1.0.0"
runtime: external-process
entrypoint:
  command: ./plugin-bin
compatibility:
  core_version: "1.0.0"
hooks:
  - demo.task
capabilities:
  - id: demo.capability
distribution:
  integrity:
    checksum_sha256: "` + sum + `"
signing:
  required: false
  method: none
`
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "manifest.yaml"), []byte(manifest), 0o644))

	mgr := pluginmanager.NewManager(sink)
	pluginsRoot := t.TempDir()
	_, err := mgr.Install(pluginmanager.Source{Kind: pluginmanager.SourceLocalPath, Path: bundleDir}, pluginmanager.InstallOptions{
		CoreVersion: "1.0.0",
		PluginsRoot: pluginsRoot,
	})
	require.NoError(t, err)
	return mgr
}

type testHarness struct {
	rt        *Runtime
	q         *queue.Queue
	queueRoot string
	mode      *mode.Store
	audit     *audit.Sink
	auditPath string
	cfg       *config.Config
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()
	queueRoot := filepath.Join(root, "queue")
	q, err := queue.New(queueRoot)
	require.NoError(t, err)

	auditPath := filepath.Join(root, "audit.log")
	sink, err := audit.Open(auditPath, secrets.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	mgr := newTestManager(t, sink)
	modeSt := mode.NewStore(filepath.Join(root, "mode-state.json"))

	log := zap.NewNop()
	cfg := &config.Config{
		Runtime: config.Runtime{
			WorkerCount:           1,
			PluginIdleTimeout:     time.Hour,
			ShutdownGracePeriod:   10 * time.Millisecond,
			ActionDeadline:        time.Second,
			TaskDeadline:          time.Second,
			MutatingCategories:    []string{"mutating", "integration"},
			MaxProtocolViolations: 3,
		},
	}

	rt := New(cfg, log, q, modeSt, mgr, sink, secrets.New())
	return &testHarness{rt: rt, q: q, queueRoot: queueRoot, mode: modeSt, audit: sink, auditPath: auditPath, cfg: cfg}
}

func (h *testHarness) installProcess(t *testing.T, directiveLine string) *bufStdin {
	t.Helper()
	stdin := &bufStdin{}
	stdout := strings.NewReader(directiveLine)
	m, err := h.rt.plugins.Load("demo-plugin")
	require.NoError(t, err)
	proc := newProcess("demo-plugin", m.Manifest, stdin, stdout, func() error { return nil }, func() error { return nil })
	h.rt.mu.Lock()
	h.rt.procs["demo-plugin"] = proc
	h.rt.mu.Unlock()
	return stdin
}

func (h *testHarness) auditEvents(t *testing.T) []audit.Event {
	t.Helper()
	b, err := os.ReadFile(h.auditPath)
	require.NoError(t, err)
	var out []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var e audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		out = append(out, e)
	}
	return out
}

func (h *testHarness) auditEventTypes(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, e := range h.auditEvents(t) {
		out = append(out, string(e.EventType))
	}
	return out
}

func (h *testHarness) lastAuditPayload(t *testing.T, eventType string) map[string]interface{} {
	t.Helper()
	events := h.auditEvents(t)
	for i := len(events) - 1; i >= 0; i-- {
		if string(events[i].EventType) == eventType {
			return events[i].RedactedPayload
		}
	}
	return nil
}

func writeTask(t *testing.T, q *queue.Queue, taskID, taskType string, payload string) queue.Task {
	t.Helper()
	task := queue.NewTask(taskID, taskType, "cli", "", json.RawMessage(payload))
	require.NoError(t, q.Write(task))
	return task
}

func claimOne(t *testing.T, q *queue.Queue) *queue.Handle {
	t.Helper()
	handles, err := q.Claim(1)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	return handles[0]
}

func TestProcessHandleNoSubscriberRejection(t *testing.T) {
	h := newTestHarness(t)
	writeTask(t, h.q, "t-001", "nobody.subscribes", `{}`)
	handle := claimOne(t, h.q)

	h.rt.processHandle(context.Background(), handle)

	rejected := filepath.Join(h.queueRoot, "rejected", "t-001.reason.json")
	assert.FileExists(t, rejected)
	b, _ := os.ReadFile(rejected)
	assert.Contains(t, string(b), string(errcode.NoPluginSubscribed))
}

func TestProcessHandleRequestCapabilityApprovedRecordsCheckpoint(t *testing.T) {
	h := newTestHarness(t)
	h.rt.Permissions.Set("demo-plugin", policy.Envelope{
		Plugin: "demo-plugin",
		Capabilities: []policy.EnvelopeCapability{
			{ID: "demo.capability", Category: "read"},
		},
	})

	directive := protocol.NewRequestCapabilityDirective("demo.capability", "", "because", json.RawMessage(`{"checkpoint":"provider.connected.verified"}`), protocol.RiskSafe)
	line, err := json.Marshal(directive)
	require.NoError(t, err)
	stdin := h.installProcess(t, string(line)+"\n")

	writeTask(t, h.q, "t-001", "demo.task", `{}`)
	handle := claimOne(t, h.q)

	h.rt.processHandle(context.Background(), handle)

	assert.FileExists(t, filepath.Join(h.queueRoot, "outbox", "t-001.json"))
	assert.Equal(t, []string{"task.received", "action.approved", "outcome:executed"}, stdin.eventTypes())

	types := h.auditEventTypes(t)
	assert.Contains(t, types, "action.executed")

	st, err := h.mode.Read()
	require.NoError(t, err)
	assert.True(t, st.RecordedEvents[string(mode.ProviderConnected)])
	assert.Equal(t, 20, st.Confidence) // initial 10 + the checkpoint's 10
}

func TestProcessHandleRequestCapabilityDeniedWhenPluginNotEnabled(t *testing.T) {
	h := newTestHarness(t)
	// no permission envelope registered for demo-plugin at all, so the
	// policy engine's second cascade stage blocks before risk tier or
	// declared-capability checks matter

	directive := protocol.NewRequestCapabilityDirective("demo.capability", "", "because", json.RawMessage(`{}`), protocol.RiskSafe)
	line, err := json.Marshal(directive)
	require.NoError(t, err)
	stdin := h.installProcess(t, string(line)+"\n")

	writeTask(t, h.q, "t-001", "demo.task", `{}`)
	handle := claimOne(t, h.q)

	h.rt.processHandle(context.Background(), handle)

	// blocked actions don't fail the task itself
	assert.FileExists(t, filepath.Join(h.queueRoot, "outbox", "t-001.json"))
	assert.Equal(t, []string{"task.received", "action.denied"}, stdin.eventTypes())

	payload := h.lastAuditPayload(t, "action.blocked")
	require.NotNil(t, payload)
	assert.Equal(t, string(errcode.PluginNotEnabled), payload["error_code"])
}

func TestModeGateBlocksMutatingCategoryOutsideOperate(t *testing.T) {
	h := newTestHarness(t)
	h.rt.Permissions.Set("demo-plugin", policy.Envelope{
		Plugin: "demo-plugin",
		Capabilities: []policy.EnvelopeCapability{
			{ID: "demo.capability", Category: "mutating"},
		},
	})

	directive := protocol.NewRequestCapabilityDirective("demo.capability", "", "because", json.RawMessage(`{}`), protocol.RiskSafe)
	line, err := json.Marshal(directive)
	require.NoError(t, err)
	stdin := h.installProcess(t, string(line)+"\n")

	writeTask(t, h.q, "t-001", "demo.task", `{}`) // fresh mode state starts in BOOTSTRAP
	handle := claimOne(t, h.q)

	h.rt.processHandle(context.Background(), handle)

	assert.Equal(t, []string{"task.received", "action.denied"}, stdin.eventTypes())
	payload := h.lastAuditPayload(t, "action.blocked")
	require.NotNil(t, payload)
	assert.Equal(t, string(errcode.ModeGateNotOperate), payload["error_code"])
}

func TestModeGateAllowsDryRunOutsideOperate(t *testing.T) {
	h := newTestHarness(t)
	h.rt.Permissions.Set("demo-plugin", policy.Envelope{
		Plugin: "demo-plugin",
		Capabilities: []policy.EnvelopeCapability{
			{ID: "demo.capability", Category: "mutating"},
		},
	})

	directive := protocol.NewRequestCapabilityDirective("demo.capability", "", "because", json.RawMessage(`{}`), protocol.RiskSafe)
	line, err := json.Marshal(directive)
	require.NoError(t, err)
	stdin := h.installProcess(t, string(line)+"\n")

	writeTask(t, h.q, "t-001", "demo.task", `{"dry_run":true}`)
	handle := claimOne(t, h.q)

	h.rt.processHandle(context.Background(), handle)

	assert.Equal(t, []string{"task.received", "action.approved", "outcome:executed"}, stdin.eventTypes())
}

func TestHandleEnqueueTaskInheritsParentCorrelation(t *testing.T) {
	h := newTestHarness(t)
	directive := protocol.NewEnqueueTaskDirective("followup.task", "", "because", json.RawMessage(`{"k":"v"}`))
	line, err := json.Marshal(directive)
	require.NoError(t, err)
	h.installProcess(t, string(line)+"\n")

	writeTask(t, h.q, "t-parent", "demo.task", `{}`)
	handle := claimOne(t, h.q)

	h.rt.processHandle(context.Background(), handle)

	entries, err := h.q.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "followup.task", entries[0].Task.Type)
	assert.Equal(t, "runtime:followup:t-parent", entries[0].Task.Source)

	types := h.auditEventTypes(t)
	assert.Contains(t, types, "task.enqueued")
}

func TestProtocolViolationKillsSubprocessAfterConfiguredMax(t *testing.T) {
	h := newTestHarness(t)
	stdin := &bufStdin{}
	badLines := strings.Repeat("not json\n", 3)
	stdout := strings.NewReader(badLines)
	m, err := h.rt.plugins.Load("demo-plugin")
	require.NoError(t, err)
	proc := newProcess("demo-plugin", m.Manifest, stdin, stdout, func() error { return nil }, func() error { return nil })
	h.rt.mu.Lock()
	h.rt.procs["demo-plugin"] = proc
	h.rt.mu.Unlock()

	for i := 0; i < 3; i++ {
		taskID := "t-00" + string(rune('1'+i))
		writeTask(t, h.q, taskID, "demo.task", `{}`)
		handle := claimOne(t, h.q)
		h.rt.processHandle(context.Background(), handle)
		assert.FileExists(t, filepath.Join(h.queueRoot, "rejected", taskID+".reason.json"))
	}

	h.rt.mu.Lock()
	_, stillRunning := h.rt.procs["demo-plugin"]
	h.rt.mu.Unlock()
	assert.False(t, stillRunning, "subprocess must be killed after 3 consecutive protocol violations")
}

func TestPluginExitRejectsTaskAndCountsCrash(t *testing.T) {
	h := newTestHarness(t)
	stdin := &bufStdin{}
	stdout := strings.NewReader("") // immediate EOF, simulating a crashed/exited plugin
	m, err := h.rt.plugins.Load("demo-plugin")
	require.NoError(t, err)
	proc := newProcess("demo-plugin", m.Manifest, stdin, stdout, func() error { return nil }, func() error { return nil })
	h.rt.mu.Lock()
	h.rt.procs["demo-plugin"] = proc
	h.rt.mu.Unlock()

	writeTask(t, h.q, "t-001", "demo.task", `{}`)
	handle := claimOne(t, h.q)
	h.rt.processHandle(context.Background(), handle)

	assert.FileExists(t, filepath.Join(h.queueRoot, "rejected", "t-001.reason.json"))
	h.rt.mu.Lock()
	crashes := h.rt.crashes["demo-plugin"]
	_, stillRunning := h.rt.procs["demo-plugin"]
	h.rt.mu.Unlock()
	assert.Equal(t, 1, crashes)
	assert.False(t, stillRunning)
}

func TestCrashBudgetDisablesPluginAfterMaxConsecutiveCrashes(t *testing.T) {
	h := newTestHarness(t)
	for i := 0; i < maxConsecutiveCrashes; i++ {
		stdin := &bufStdin{}
		stdout := strings.NewReader("")
		m, err := h.rt.plugins.Load("demo-plugin")
		require.NoError(t, err)
		proc := newProcess("demo-plugin", m.Manifest, stdin, stdout, func() error { return nil }, func() error { return nil })
		h.rt.mu.Lock()
		h.rt.procs["demo-plugin"] = proc
		h.rt.mu.Unlock()

		taskID := "t-crash-" + string(rune('1'+i))
		writeTask(t, h.q, taskID, "demo.task", `{}`)
		handle := claimOne(t, h.q)
		h.rt.processHandle(context.Background(), handle)
	}

	// the plugin has exhausted its crash budget; the next task must be
	// rejected without any process ever being spawned
	writeTask(t, h.q, "t-final", "demo.task", `{}`)
	handle := claimOne(t, h.q)
	h.rt.processHandle(context.Background(), handle)

	b, err := os.ReadFile(filepath.Join(h.queueRoot, "rejected", "t-final.reason.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), string(errcode.PluginSpawnFailed))
}

func TestAuditSinkFailureHaltsFurtherTaskProcessing(t *testing.T) {
	h := newTestHarness(t)
	h.rt.auditDown.Store(true)

	writeTask(t, h.q, "t-001", "demo.task", `{}`)
	handle := claimOne(t, h.q)
	h.rt.processHandle(context.Background(), handle)

	b, err := os.ReadFile(filepath.Join(h.queueRoot, "rejected", "t-001.reason.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), string(errcode.AuditSinkUnavailable))
}

func TestEmitAuditMarksSinkDownOnWriteFailure(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.audit.Close()) // subsequent writes now fail

	h.rt.emitAudit("task.rejected", "runtime", "t-001", map[string]interface{}{"k": "v"})

	assert.True(t, h.rt.auditDown.Load())
}
