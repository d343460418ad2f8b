package runtime

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/odin-run/odin/internal/pluginmanager"
	"github.com/odin-run/odin/internal/protocol"
)

// process is one running (or about-to-run) plugin subprocess. Writes to
// its stdin are serialized by mu, which is also what gives the runtime
// its per-plugin ordering guarantee: within a single task_id, action
// approvals and outcomes stay strictly sequential relative to the
// directive stream from that plugin.
type process struct {
	name     string
	manifest pluginmanager.Manifest

	mu         sync.Mutex
	envelopeW  *protocol.EnvelopeWriter
	outcomeW   *protocol.OutcomeWriter
	directives *protocol.DirectiveReader

	stdin io.WriteCloser
	wait  func() error // blocks until the subprocess exits, returns its error
	kill  func() error

	lastActivity   time.Time
	violations     int
	restartedOnce  bool
}

// spawnProcess starts a plugin's subprocess per its manifest entrypoint,
// rooted at its installed bundle directory, and captures stderr line by
// line via onStderr (the runtime wires this to the audit sink as
// actor=plugin:<name>, event_type=plugin.log).
func spawnProcess(name string, plugin pluginmanager.LoadedPlugin, onStderr func(line string)) (*process, error) {
	cmdPath := plugin.Manifest.Entrypoint.Command
	if !filepath.IsAbs(cmdPath) {
		cmdPath = filepath.Join(plugin.BundleDir, cmdPath)
	}
	cmd := exec.Command(cmdPath, plugin.Manifest.Entrypoint.Args...)
	cmd.Dir = plugin.BundleDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening plugin stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening plugin stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening plugin stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting plugin subprocess: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			onStderr(sc.Text())
		}
	}()

	return newProcess(name, plugin.Manifest, stdin, stdout, cmd.Wait, func() error { return cmd.Process.Kill() }), nil
}

// newProcess builds a process around arbitrary stdin/stdout plumbing,
// the seam tests use to drive the directive protocol without spawning a
// real subprocess.
func newProcess(name string, manifest pluginmanager.Manifest, stdin io.WriteCloser, stdout io.Reader, wait func() error, kill func() error) *process {
	return &process{
		name:         name,
		manifest:     manifest,
		envelopeW:    protocol.NewEnvelopeWriter(stdin),
		outcomeW:     protocol.NewOutcomeWriter(stdin),
		directives:   protocol.NewDirectiveReader(stdout),
		stdin:        stdin,
		wait:         wait,
		kill:         kill,
		lastActivity: time.Now(),
	}
}

func (p *process) sendEnvelope(e protocol.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = time.Now()
	return p.envelopeW.Write(e)
}

func (p *process) sendOutcome(o protocol.ActionOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = time.Now()
	return p.outcomeW.Write(o)
}

// nextDirective reads one directive from the plugin's stdout. A decode
// error counts as a protocol violation; the caller decides (via
// violations) whether three consecutive ones should kill the process.
func (p *process) nextDirective() (protocol.PluginDirective, error) {
	d, err := p.directives.Next()
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
	return d, err
}

func (p *process) idleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActivity)
}

// shutdown sends a plugin.shutdown envelope, gives the subprocess grace
// to exit on its own, then kills it if it hasn't.
func (p *process) shutdown(grace time.Duration) error {
	_ = p.sendEnvelope(protocol.EventEnvelope{EventID: newID(), EventType: protocol.EventPluginShutdown})
	_ = p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = p.kill()
		return <-done
	}
}
