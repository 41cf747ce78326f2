package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Permission request states.
const (
	PermissionPending  = "pending"
	PermissionApproved = "approved"
	PermissionDenied   = "denied"
)

// resolvedRetention keeps approved/denied entries available for lookup
// briefly after resolution.
const resolvedRetention = 5 * time.Minute

// PermissionRequest is a command awaiting explicit user approval.
type PermissionRequest struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	Cwd        string    `json:"cwd"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

type permissionStore struct {
	mu       sync.Mutex
	requests map[string]*PermissionRequest
}

func newPermissionStore() *permissionStore {
	return &permissionStore{requests: make(map[string]*PermissionRequest)}
}

// RequestPermission registers a pending permission request and returns its id.
func (v *Validator) RequestPermission(command, cwd string) string {
	v.permissions.mu.Lock()
	defer v.permissions.mu.Unlock()

	v.permissions.evictLocked()

	id := uuid.New().String()
	v.permissions.requests[id] = &PermissionRequest{
		ID:        id,
		Command:   command,
		Cwd:       cwd,
		Status:    PermissionPending,
		CreatedAt: time.Now().UTC(),
	}
	return id
}

// ApprovePermission resolves a pending request as approved.
func (v *Validator) ApprovePermission(id string) error {
	return v.resolve(id, PermissionApproved, "")
}

// DenyPermission resolves a pending request as denied.
func (v *Validator) DenyPermission(id, reason string) error {
	return v.resolve(id, PermissionDenied, reason)
}

// GetPermission looks up a request by id, including recently resolved ones.
func (v *Validator) GetPermission(id string) (*PermissionRequest, bool) {
	v.permissions.mu.Lock()
	defer v.permissions.mu.Unlock()

	req, ok := v.permissions.requests[id]
	if !ok {
		return nil, false
	}
	out := *req
	return &out, true
}

func (v *Validator) resolve(id, status, reason string) error {
	v.permissions.mu.Lock()
	defer v.permissions.mu.Unlock()

	req, ok := v.permissions.requests[id]
	if !ok {
		return fmt.Errorf("permission request %s not found", id)
	}
	if req.Status != PermissionPending {
		return fmt.Errorf("permission request %s already %s", id, req.Status)
	}
	req.Status = status
	req.Reason = reason
	req.ResolvedAt = time.Now().UTC()
	return nil
}

// evictLocked drops resolved entries past the retention window.
func (s *permissionStore) evictLocked() {
	cutoff := time.Now().Add(-resolvedRetention)
	for id, req := range s.requests {
		if req.Status != PermissionPending && req.ResolvedAt.Before(cutoff) {
			delete(s.requests, id)
		}
	}
}
