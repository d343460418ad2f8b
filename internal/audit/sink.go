// Copyright 2025 James Ross
// Package audit implements the append-only, redacted, totally-ordered
// event stream described by the audit sink component: one writer, many
// readers, writes serialized behind a monitor, readers snapshot by file
// position.
package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odin-run/odin/internal/secrets"
)

// EventType is the closed set of audit event types this build emits.
// It is intentionally not closed at the type level (new subsystems add
// their own constants) but every emitted value should be drawn from one
// of the vocabularies declared across the component packages.
type EventType string

// Event is a single structured, append-only audit record.
type Event struct {
	EventID         string                 `json:"event_id"`
	Timestamp       time.Time              `json:"timestamp"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	EventType       EventType              `json:"event_type"`
	Actor           string                 `json:"actor"`
	RedactedPayload map[string]interface{} `json:"redacted_payload,omitempty"`
}

var secretFieldPattern = regexp.MustCompile(`(?i)(secret|password|token|api_key|apikey|credential)`)

// Sink owns the on-disk append-only audit log. Writes are serialized
// by an internal mutex; Vault membership is consulted for value-level
// redaction.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	vault  *secrets.Vault
	entropy *ulidEntropy
}

type ulidEntropy struct {
	mu sync.Mutex
	r  *ulid.MonotonicEntropy
}

func (e *ulidEntropy) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r.Read(p)
}

// MonotonicRead makes ulid.New treat this source as monotonic, so ids
// minted within the same millisecond still increase.
func (e *ulidEntropy) MonotonicRead(ms uint64, p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r.MonotonicRead(ms, p)
}

// Open opens (creating if necessary) the audit log at path for
// appending.
func Open(path string, vault *secrets.Vault) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit sink %s: %w", path, err)
	}
	return &Sink{f: f, path: path, vault: vault, entropy: &ulidEntropy{r: ulid.Monotonic(rand.Reader, 0)}}, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Emit writes one redacted event, totally ordered by (timestamp,
// event_id) because ULIDs are lexically sortable and monotonic within
// the same millisecond for a single writer.
func (s *Sink) Emit(eventType EventType, actor, correlationID string, payload map[string]interface{}) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return Event{}, fmt.Errorf("generating event id: %w", err)
	}

	evt := Event{
		EventID:         id.String(),
		Timestamp:       now,
		CorrelationID:   correlationID,
		EventType:       eventType,
		Actor:           actor,
		RedactedPayload: redact(payload, s.vault),
	}

	b, err := json.Marshal(evt)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling audit event: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return Event{}, fmt.Errorf("writing audit event: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return Event{}, fmt.Errorf("fsyncing audit event: %w", err)
	}
	return evt, nil
}

// redact replaces any field whose name matches a known-secret pattern,
// or whose value byte-equals a registered secret plaintext, with "***".
func redact(payload map[string]interface{}, vault *secrets.Vault) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if secretFieldPattern.MatchString(k) {
			out[k] = "***"
			continue
		}
		if s, ok := v.(string); ok && vault != nil && vault.IsSecretValue(s) {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

// Tailer reads events from a file position forward without holding the
// writer's lock, giving an out-of-process reader (e.g. a dashboard) a
// read-only view of the event log without contending with writers.
type Tailer struct {
	path   string
	offset int64
}

func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Poll reads any events appended since the last call, in file order
// (which is also (timestamp, event_id) order for a single writer).
func (t *Tailer) Poll() ([]Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log for tail: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat audit log for tail: %w", err)
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking audit log: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			if t.offset+consumed > fi.Size() {
				// a partially-written final line (no newline yet): the
				// offset stays before it so the next poll reads it again
				consumed -= int64(len(line)) + 1
				break
			}
			continue // a malformed complete line is skipped
		}
		events = append(events, evt)
	}
	t.offset += consumed

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].EventID < events[j].EventID
	})
	return events, nil
}
