// Copyright 2025 James Ross
// Package queue implements the atomic file-backed inbox/outbox/rejected
// task queue described by the external interface contract: tasks are
// written with a temp-file-then-rename protocol, claimed in
// (created_at, task_id) order, and moved to outbox on success or
// rejected (with a .reason.json sidecar) on validation failure.
package queue

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// SupportedSchemaVersions is the closed set of task schema versions this
// build understands.
var SupportedSchemaVersions = map[int]bool{1: true}

var taskIDPattern = regexp.MustCompile(`^[a-z][a-z0-9._-]{0,127}$`)

// MaxTaskBytes bounds the serialized size of a single task file.
const MaxTaskBytes = 256 * 1024

// Task is the validated ingress unit.
type Task struct {
	SchemaVersion int             `json:"schema_version"`
	TaskID        string          `json:"task_id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Project       string          `json:"project,omitempty"`
	CreatedAt     string          `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewTask builds a Task stamped with the current UTC time.
func NewTask(taskID, taskType, source, project string, payload json.RawMessage) Task {
	return Task{
		SchemaVersion: 1,
		TaskID:        taskID,
		Type:          taskType,
		Source:        source,
		Project:       project,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Payload:       payload,
	}
}

func (t Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

func UnmarshalTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("malformed task json: %w", err)
	}
	return t, nil
}

// ValidIDFormat reports whether id matches the task_id grammar.
func ValidIDFormat(id string) bool {
	return taskIDPattern.MatchString(id)
}

// IsPayloadObject reports whether raw decodes to a JSON object.
func IsPayloadObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	_, ok := v.(map[string]interface{})
	return ok
}
