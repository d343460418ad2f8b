// Copyright 2025 James Ross
// Package runtime implements the event loop: it claims tasks from the
// queue, drives plugin subprocesses over the structured
// envelope/directive protocol, asks the policy engine for a decision on
// every requested capability, executes approved actions, records
// outcomes, and drives the mode state machine.
package runtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/odin-run/odin/internal/governance"
	"github.com/odin-run/odin/internal/policy"
)

// PermissionStore holds the currently loaded Plugin Permission Envelope
// for each enabled plugin. Loading an envelope is an admin operation
// performed once at startup (or on reload); the runtime only reads it.
type PermissionStore struct {
	mu    sync.RWMutex
	byPlg map[string]policy.Envelope
}

func NewPermissionStore() *PermissionStore {
	return &PermissionStore{byPlg: map[string]policy.Envelope{}}
}

func (s *PermissionStore) Set(plugin string, env policy.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPlg[plugin] = env
}

func (s *PermissionStore) Get(plugin string) (policy.Envelope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byPlg[plugin]
	return e, ok
}

// ManifestStore holds the active delegated Capability Manifest for a
// plugin, when the current action chain is part of a delegation. Absent
// an entry, policy evaluation simply skips that cascade stage.
type ManifestStore struct {
	mu    sync.RWMutex
	byPlg map[string]governance.CapabilityManifest
}

func NewManifestStore() *ManifestStore {
	return &ManifestStore{byPlg: map[string]governance.CapabilityManifest{}}
}

// Set installs m as the active manifest for plugin. A manifest issued
// via a bare struct literal (as most callers still do, rather than
// governance.NewCapabilityManifest) carries no ManifestID; Set mints
// one so every manifest in the audit trail is identifiable even when
// the issuer didn't ask for an id up front.
func (s *ManifestStore) Set(plugin string, m governance.CapabilityManifest) governance.CapabilityManifest {
	if m.ManifestID == "" {
		m.ManifestID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPlg[plugin] = m
	return m
}

func (s *ManifestStore) Clear(plugin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byPlg, plugin)
}

func (s *ManifestStore) Get(plugin string) (governance.CapabilityManifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byPlg[plugin]
	return m, ok
}

// DestructiveApprovalStore records out-of-band approvals for
// destructive-tier capabilities. Approvals are granted per
// plugin+capability rather than per request_id, since a
// request_id is freshly minted for every directive and could never be
// pre-recorded.
type DestructiveApprovalStore struct {
	mu       sync.RWMutex
	approved map[string]bool
}

func NewDestructiveApprovalStore() *DestructiveApprovalStore {
	return &DestructiveApprovalStore{approved: map[string]bool{}}
}

func destructiveKey(plugin, capabilityID string) string { return plugin + "\x00" + capabilityID }

func (s *DestructiveApprovalStore) Approve(plugin, capabilityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[destructiveKey(plugin, capabilityID)] = true
}

func (s *DestructiveApprovalStore) Revoke(plugin, capabilityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approved, destructiveKey(plugin, capabilityID))
}

func (s *DestructiveApprovalStore) IsApproved(plugin, capabilityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approved[destructiveKey(plugin, capabilityID)]
}
