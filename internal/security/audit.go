package security

import (
	"sync"
	"time"
)

// maxAuditEntries bounds the audit ring.
const maxAuditEntries = 1000

// AuditEntry records one policy decision.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Code      string    `json:"code,omitempty"`
}

// auditLog is an append-only ring of policy decisions.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func newAuditLog() *auditLog {
	return &auditLog{}
}

func (a *auditLog) append(command, cwd string, result Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, AuditEntry{
		Timestamp: time.Now().UTC(),
		Command:   command,
		Cwd:       cwd,
		Allowed:   result.Allowed,
		Reason:    result.Reason,
		Code:      result.Code,
	})
	if len(a.entries) > maxAuditEntries {
		a.entries = a.entries[len(a.entries)-maxAuditEntries:]
	}
}

// GetAuditLog returns a snapshot of audit entries, optionally filtered by
// allowed/denied outcome.
func (v *Validator) GetAuditLog(allowed *bool) []AuditEntry {
	v.audit.mu.Lock()
	defer v.audit.mu.Unlock()

	out := make([]AuditEntry, 0, len(v.audit.entries))
	for _, e := range v.audit.entries {
		if allowed != nil && e.Allowed != *allowed {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ClearAuditLog removes all entries and returns the number cleared.
func (v *Validator) ClearAuditLog() int {
	v.audit.mu.Lock()
	defer v.audit.mu.Unlock()

	n := len(v.audit.entries)
	v.audit.entries = nil
	return n
}
