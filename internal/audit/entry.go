package audit

import "fmt"

// Operations recorded in the audit log.
const (
	OpGrant       = "consent_granted"
	OpRevoke      = "consent_revoked"
	OpDeny        = "check_denied"
	OpSystemError = "check_system_error"
)

// AuditEntity identifies the governed entity of an audit entry.
type AuditEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// String returns "type:id".
func (e AuditEntity) String() string {
	return e.Type + ":" + e.ID
}

// AuditEntry is one line in the hash-chained JSONL audit log.
// All fields are structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type AuditEntry struct {
	Timestamp  string      `json:"ts"`
	Operation  string      `json:"op"`
	Entity     AuditEntity `json:"entity"`
	Actor      string      `json:"actor"`
	Action     string      `json:"action,omitempty"`
	Level      string      `json:"level,omitempty"`
	EntryID    string      `json:"entry_id,omitempty"`
	Code       string      `json:"code,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	ConfigHash string      `json:"config_hash"`
	PrevHash   string      `json:"prev_hash"`
}

func (e AuditEntry) validate() error {
	switch {
	case e.Operation == "":
		return fmt.Errorf("audit: entry has no operation")
	case e.Entity.Type == "" || e.Entity.ID == "":
		return fmt.Errorf("audit: %s entry has no entity", e.Operation)
	case e.Actor == "":
		return fmt.Errorf("audit: %s entry for %s has no actor", e.Operation, e.Entity)
	}
	return nil
}
