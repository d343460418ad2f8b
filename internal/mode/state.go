// Copyright 2025 James Ross
// Package mode implements the Bootstrap→Operate→Recovery state machine
// that gates mutating operations, persisted as JSON under an exclusive
// file lock per the concurrency model.
package mode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/odin-run/odin/internal/filelock"
)

type Mode string

const (
	Bootstrap Mode = "BOOTSTRAP"
	Operate   Mode = "OPERATE"
	Recovery  Mode = "RECOVERY"
)

// CheckpointEvent is one of the closed set of verified checkpoints that
// contribute confidence, each exactly once.
type CheckpointEvent string

const (
	ProviderConnected     CheckpointEvent = "provider.connected.verified"
	TUIOpened             CheckpointEvent = "tui.opened.verified"
	InboxFirstItem        CheckpointEvent = "inbox.first_item.verified"
	TaskSplit             CheckpointEvent = "task.split.verified"
	DelegationCompleted    CheckpointEvent = "delegation.completed.verified"
	GuardrailsAcknowledged CheckpointEvent = "guardrails.acknowledged.verified"
	TaskCycleVerified      CheckpointEvent = "task.cycle.verified"
)

var checkpointPoints = map[CheckpointEvent]int{
	ProviderConnected:      10,
	TUIOpened:              10,
	InboxFirstItem:         10,
	TaskSplit:              10,
	DelegationCompleted:    10,
	GuardrailsAcknowledged: 10,
	TaskCycleVerified:      10,
}

const maxConfidence = 100
const operateThreshold = 60

// State is the persisted mode-state document.
type State struct {
	Mode                   Mode            `json:"mode"`
	Confidence             int             `json:"confidence"`
	GuardrailsAcknowledged bool            `json:"guardrails_acknowledged"`
	TaskCycleVerified      bool            `json:"task_cycle_verified"`
	LastVerifyPassed       bool            `json:"last_verify_passed"`
	RecordedEvents         map[string]bool `json:"recorded_events"`
}

func initialState() *State {
	return &State{
		Mode:           Bootstrap,
		Confidence:     10,
		RecordedEvents: map[string]bool{},
	}
}

// Store owns the on-disk mode-state file, serializing every
// read-modify-write under an exclusive lock.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (*State, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return initialState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mode state: %w", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parsing mode state: %w", err)
	}
	if st.RecordedEvents == nil {
		st.RecordedEvents = map[string]bool{}
	}
	return &st, nil
}

func (s *Store) save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating mode state directory: %w", err)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling mode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing mode state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming mode state file: %w", err)
	}
	return nil
}

// withLock performs a read-modify-write cycle under an exclusive lock
// on path+".lock", linearizing all mode transitions.
func (s *Store) withLock(fn func(*State) error) (*State, error) {
	lock, err := filelock.Acquire(s.path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("acquiring mode state lock: %w", err)
	}
	defer lock.Release()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Read returns a snapshot of the current state without mutation.
func (s *Store) Read() (*State, error) {
	lock, err := filelock.Acquire(s.path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("acquiring mode state lock: %w", err)
	}
	defer lock.Release()
	return s.load()
}

// RecordCheckpoint adds confidence for a verified checkpoint event,
// saturating at 100 and contributing at most once per event, then
// evaluates whether the state should transition into OPERATE.
func (s *Store) RecordCheckpoint(evt CheckpointEvent) (*State, error) {
	return s.withLock(func(st *State) error {
		if st.RecordedEvents[string(evt)] {
			return nil // already contributed; confidence unchanged
		}
		st.RecordedEvents[string(evt)] = true
		st.Confidence += checkpointPoints[evt]
		if st.Confidence > maxConfidence {
			st.Confidence = maxConfidence
		}
		if evt == GuardrailsAcknowledged {
			st.GuardrailsAcknowledged = true
		}
		if evt == TaskCycleVerified {
			st.TaskCycleVerified = true
		}
		maybeTransitionToOperate(st)
		return nil
	})
}

func maybeTransitionToOperate(st *State) {
	if st.Mode == Recovery {
		return
	}
	if st.Confidence >= operateThreshold &&
		st.GuardrailsAcknowledged &&
		st.TaskCycleVerified &&
		st.LastVerifyPassed {
		st.Mode = Operate
	}
}

// VerifyFailed transitions into RECOVERY and clears the last-verify flag.
func (s *Store) VerifyFailed() (*State, error) {
	return s.withLock(func(st *State) error {
		st.Mode = Recovery
		st.LastVerifyPassed = false
		return nil
	})
}

// VerifyPassed sets the last-verify-passed flag and re-evaluates the
// OPERATE conditions: from BOOTSTRAP the mode moves to OPERATE when
// every other condition already holds, while a prior RECOVERY stays
// RECOVERY (maybeTransitionToOperate never leaves RECOVERY).
func (s *Store) VerifyPassed() (*State, error) {
	return s.withLock(func(st *State) error {
		st.LastVerifyPassed = true
		maybeTransitionToOperate(st)
		return nil
	})
}
