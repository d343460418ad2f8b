package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odin-run/odin/internal/errcode"
	"github.com/odin-run/odin/internal/filelock"
)

// Queue owns the inbox/outbox/rejected directory trio under a single
// root. All mutating operations on a given task id are serialized via a
// per-file lock; no in-process mutex is required because every
// operation is a rename or a lock-guarded read-modify-write against the
// filesystem itself.
type Queue struct {
	root         string
	maxTaskBytes int
}

func New(root string) (*Queue, error) {
	q := &Queue{root: root, maxTaskBytes: MaxTaskBytes}
	for _, dir := range []string{"inbox", "outbox", "rejected"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating queue directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// SetMaxTaskBytes overrides the serialized-size ceiling from the
// package default, per the configured queue.max_task_bytes setting. A
// non-positive value is ignored and leaves the existing ceiling in
// place.
func (q *Queue) SetMaxTaskBytes(n int) {
	if n > 0 {
		q.maxTaskBytes = n
	}
}

func (q *Queue) inboxPath(id string) string    { return filepath.Join(q.root, "inbox", id+".json") }
func (q *Queue) outboxPath(id string) string   { return filepath.Join(q.root, "outbox", id+".json") }
func (q *Queue) rejectedPath(id string) string { return filepath.Join(q.root, "rejected", id+".json") }
func (q *Queue) reasonPath(id string) string   { return filepath.Join(q.root, "rejected", id+".reason.json") }
func (q *Queue) lockPath(id string) string     { return filepath.Join(q.root, "inbox", "."+id+".lock") }

// Write serializes task and writes it into inbox via the documented
// temp-file-then-rename protocol: write to inbox/.<task_id>.tmp, fsync,
// rename to inbox/<task_id>.json.
func (q *Queue) Write(t Task) error {
	b, err := t.Marshal()
	if err != nil {
		return errcode.Wrap(errcode.QueueIOError, "marshaling task", err)
	}
	if len(b) > q.maxTaskBytes {
		return errcode.New(errcode.SizeLimitExceeded, fmt.Sprintf("task %s exceeds %d bytes", t.TaskID, q.maxTaskBytes))
	}
	tmp := filepath.Join(q.root, "inbox", "."+t.TaskID+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errcode.Wrap(errcode.QueueIOError, "opening temp file", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return errcode.Wrap(errcode.QueueIOError, "writing temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errcode.Wrap(errcode.QueueIOError, "fsyncing temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errcode.Wrap(errcode.QueueIOError, "closing temp file", err)
	}
	if err := os.Rename(tmp, q.inboxPath(t.TaskID)); err != nil {
		os.Remove(tmp)
		return errcode.Wrap(errcode.QueueIOError, "renaming into inbox", err)
	}
	return nil
}

// Entry is a listed inbox task, decoded but not yet validated.
type Entry struct {
	TaskID    string
	CreatedAt string
	Task      Task
	Path      string
}

// List returns inbox tasks ordered by (created_at, task_id) ascending,
// per the consumer ordering contract. Unparseable files are skipped
// rather than failing the whole listing, since Claim performs the real
// validation pass.
func (q *Queue) List() ([]Entry, error) {
	dir := filepath.Join(q.root, "inbox")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errcode.Wrap(errcode.QueueIOError, "listing inbox", err)
	}
	var out []Entry
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		t, err := UnmarshalTask(b)
		if err != nil {
			continue
		}
		out = append(out, Entry{TaskID: t.TaskID, CreatedAt: t.CreatedAt, Task: t, Path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// Handle is an owned, exclusively-locked claim on one inbox task. The
// claiming worker must call either Accept (move to outbox) or Reject
// (move to rejected with a .reason.json) exactly once, then Release.
type Handle struct {
	q    *Queue
	Task Task
	lock *filelock.Lock
}

// Claim takes up to n inbox entries, each under its own exclusive
// filename lock, skipping entries another worker already holds. It is
// the caller's responsibility to Accept/Reject and Release every
// returned handle.
func (q *Queue) Claim(n int) ([]*Handle, error) {
	entries, err := q.List()
	if err != nil {
		return nil, err
	}
	var handles []*Handle
	for _, e := range entries {
		if len(handles) >= n {
			break
		}
		lock, err := filelock.AcquireTimeout(q.lockPath(e.TaskID), 10*time.Millisecond)
		if err != nil {
			continue // another worker holds this claim; skip, non-reentrant
		}
		// Re-stat: the file may have been claimed and moved between List
		// and lock acquisition.
		if _, statErr := os.Stat(e.Path); statErr != nil {
			lock.Release()
			continue
		}
		handles = append(handles, &Handle{q: q, Task: e.Task, lock: lock})
	}
	return handles, nil
}

// Validate checks a claimed task against the id-format, schema-version,
// payload-shape, and cross-directory-duplicate invariants.
func (q *Queue) Validate(t Task) error {
	if !SupportedSchemaVersions[t.SchemaVersion] {
		return errcode.New(errcode.SchemaVersionUnsupported, fmt.Sprintf("schema_version %d not supported", t.SchemaVersion))
	}
	if !ValidIDFormat(t.TaskID) {
		return errcode.New(errcode.IDFormatInvalid, fmt.Sprintf("task_id %q does not match required format", t.TaskID))
	}
	if !IsPayloadObject(t.Payload) {
		return errcode.New(errcode.PayloadNotObject, "payload must be a JSON object")
	}
	if b, err := t.Marshal(); err == nil && len(b) > q.maxTaskBytes {
		return errcode.New(errcode.SizeLimitExceeded, fmt.Sprintf("task %s exceeds %d bytes", t.TaskID, q.maxTaskBytes))
	}
	dup, err := q.existsElsewhere(t.TaskID)
	if err != nil {
		return errcode.Wrap(errcode.QueueIOError, "checking duplicate task id", err)
	}
	if dup {
		return errcode.New(errcode.DuplicateTaskID, fmt.Sprintf("task_id %q already present in outbox or rejected", t.TaskID))
	}
	return nil
}

func (q *Queue) existsElsewhere(id string) (bool, error) {
	for _, p := range []string{q.outboxPath(id), q.rejectedPath(id)} {
		if _, err := os.Stat(p); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

// Accept moves the claimed task from inbox to outbox. Call only after
// the runtime has committed its decision for this task, preserving
// at-least-once semantics.
func (h *Handle) Accept() error {
	src := h.q.inboxPath(h.Task.TaskID)
	dst := h.q.outboxPath(h.Task.TaskID)
	if err := os.Rename(src, dst); err != nil {
		return errcode.Wrap(errcode.QueueIOError, "moving task to outbox", err)
	}
	return nil
}

// Reject moves the claimed task from inbox to rejected and writes an
// adjacent .reason.json sidecar carrying the error code.
func (h *Handle) Reject(code errcode.Code, detail string) error {
	src := h.q.inboxPath(h.Task.TaskID)
	dst := h.q.rejectedPath(h.Task.TaskID)
	if err := os.Rename(src, dst); err != nil {
		return errcode.Wrap(errcode.QueueIOError, "moving task to rejected", err)
	}
	reason := struct {
		ErrorCode errcode.Code `json:"error_code"`
		Detail    string       `json:"detail"`
	}{ErrorCode: code, Detail: detail}
	b, err := json.MarshalIndent(reason, "", "  ")
	if err != nil {
		return errcode.Wrap(errcode.QueueIOError, "marshaling rejection reason", err)
	}
	if err := os.WriteFile(h.q.reasonPath(h.Task.TaskID), b, 0o644); err != nil {
		return errcode.Wrap(errcode.QueueIOError, "writing rejection reason", err)
	}
	return nil
}

// Release unlocks the handle. Safe to call after Accept or Reject.
func (h *Handle) Release() error {
	if h.lock == nil {
		return nil
	}
	return h.lock.Release()
}
