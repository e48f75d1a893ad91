// Package models provides data structures shared across the sandbox engine.
package models

import (
	"time"
)

// SandboxState represents the lifecycle state of a sandbox environment.
type SandboxState string

const (
	// SandboxStateRequested indicates a sandbox has been requested but work has not started.
	SandboxStateRequested SandboxState = "REQUESTED"
	// SandboxStateProvisioning indicates server-side objects are being created.
	SandboxStateProvisioning SandboxState = "PROVISIONING"
	// SandboxStateActive indicates the sandbox accepts queries.
	SandboxStateActive SandboxState = "ACTIVE"
	// SandboxStateExpiring indicates the sandbox is marked for teardown by the sweep.
	SandboxStateExpiring SandboxState = "EXPIRING"
	// SandboxStateDeleted indicates the server-side objects have been dropped.
	SandboxStateDeleted SandboxState = "DELETED"
	// SandboxStateFailed indicates provisioning failed and was compensated.
	SandboxStateFailed SandboxState = "FAILED"
)

// Terminal reports whether the state permits no further transitions.
func (s SandboxState) Terminal() bool {
	return s == SandboxStateDeleted || s == SandboxStateFailed
}

// CanTransitionTo reports whether the state machine permits a transition.
// Backward transitions are never permitted.
func (s SandboxState) CanTransitionTo(next SandboxState) bool {
	switch s {
	case SandboxStateRequested:
		return next == SandboxStateProvisioning
	case SandboxStateProvisioning:
		return next == SandboxStateActive || next == SandboxStateFailed
	case SandboxStateActive:
		return next == SandboxStateExpiring || next == SandboxStateDeleted
	case SandboxStateExpiring:
		return next == SandboxStateDeleted
	default:
		return false
	}
}

// SandboxRecord describes one provisioned per-user environment.
// The credential secret is opaque and must never appear in logs.
type SandboxRecord struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	LoginName    string       `json:"login_name"`
	DatabaseName string       `json:"database_name"`
	Secret       string       `json:"-"`
	DataMaxBytes int64        `json:"data_max_bytes"`
	LogMaxBytes  int64        `json:"log_max_bytes"`
	State        SandboxState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// Expired reports whether the sandbox is past its expiry at the given instant.
func (r *SandboxRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Role identifies the authorization level of a session.
type Role string

const (
	// RoleAdmin sessions execute on the privileged admin connection.
	RoleAdmin Role = "admin"
	// RoleSandbox sessions are confined to their own sandbox database.
	RoleSandbox Role = "sandbox"
)

// Session is the authorization context handed to the engine by the request
// layer. The engine trusts it; credential verification happens upstream.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Role            Role      `json:"role"`
	SandboxID       string    `json:"sandbox_id,omitempty"`
	SandboxDatabase string    `json:"sandbox_database,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// OperationKind classifies the leading operation of a statement.
type OperationKind string

const (
	OpSelect OperationKind = "SELECT"
	OpInsert OperationKind = "INSERT"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
	OpDDL    OperationKind = "DDL"
	OpOther  OperationKind = "OTHER"
)

// ClassificationResult is the per-statement verdict of the classifier.
type ClassificationResult struct {
	Kind OperationKind `json:"kind"`
	// Operation is the leading verb as written, e.g. "DROP" or "TRUNCATE".
	Operation string `json:"operation"`
	// Destructive statements require explicit confirmation before execution.
	Destructive bool `json:"destructive"`
	// Write statements invalidate cached results for the target database.
	// Every destructive statement is a write; the reverse does not hold.
	Write bool `json:"write"`
	// Cacheable reads may be served from and stored in the result cache.
	Cacheable bool `json:"cacheable"`
	// AffectedObjects is a best-effort ordered set of object names; an empty
	// list is a valid result, never an error.
	AffectedObjects []string `json:"affected_objects"`
}

// ExecuteRequest carries one statement into the execution router.
type ExecuteRequest struct {
	SQL                string        `json:"sql"`
	TargetDatabase     string        `json:"target_database,omitempty"`
	ConfirmDestructive bool          `json:"confirm_destructive,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	MaxRows            int           `json:"max_rows,omitempty"`
}

// ExecuteResult is the outcome of a routed statement.
type ExecuteResult struct {
	Success              bool                     `json:"success"`
	Columns              []string                 `json:"columns,omitempty"`
	Rows                 []map[string]interface{} `json:"rows,omitempty"`
	RowCount             int64                    `json:"row_count"`
	ExecutionTime        time.Duration            `json:"execution_time"`
	FromCache            bool                     `json:"from_cache,omitempty"`
	Truncated            bool                     `json:"truncated,omitempty"`
	RequiresConfirmation bool                     `json:"requires_confirmation,omitempty"`
	Operation            string                   `json:"operation,omitempty"`
	AffectedObjects      []string                 `json:"affected_objects,omitempty"`
}

// QueryHistoryRecord is one entry of a session's bounded history ring.
type QueryHistoryRecord struct {
	Statement     string        `json:"statement"`
	Database      string        `json:"database"`
	Success       bool          `json:"success"`
	RowCount      int64         `json:"row_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Permissions is the capability set probed on the admin connection.
type Permissions struct {
	CanCreateDatabase bool `json:"can_create_database"`
	CanAlterLogin     bool `json:"can_alter_login"`
	CanAlterUser      bool `json:"can_alter_user"`
}

// Sufficient reports whether provisioning can proceed with this set.
func (p Permissions) Sufficient() bool {
	return p.CanCreateDatabase && p.CanAlterLogin && p.CanAlterUser
}

// HealthStatus is the engine health snapshot exposed by the request layer.
type HealthStatus struct {
	Connected          bool        `json:"connected"`
	Permissions        Permissions `json:"permissions"`
	ActiveSandboxCount int         `json:"active_sandbox_count"`
}
