package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditWorkflowStart   AuditEventType = "workflow_start"
	AuditWorkflowResume  AuditEventType = "workflow_resume"
	AuditWorkflowOutcome AuditEventType = "workflow_outcome"
	AuditDispatch        AuditEventType = "dispatch"
	AuditToolExec        AuditEventType = "tool_exec"
	AuditAccessLog       AuditEventType = "access"
)

// AuditEvent represents a single auditable action. The dispatch trail is the
// record of who asked the service to run what, and what came of it.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
