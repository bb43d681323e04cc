// Package audit records who did what to which entity. Entries are
// append-only; a failed audit write is logged and never fails the
// audited operation.
package audit

import (
	"context"
	"errors"
	"time"
)

var ErrEntryNotFound = errors.New("audit entry not found")

// Entry is one audit record.
type Entry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actorId,omitempty"`
	ActorName  string         `json:"actorName,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Filter narrows List results.
type Filter struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, int, error)
}

// Common audited actions.
const (
	ActionTransactionIngested = "transaction.ingested"
	ActionTransactionFlagged  = "transaction.flagged"
	ActionAnomalyCreated      = "anomaly.created"
	ActionAnomalyUpdated      = "anomaly.updated"
	ActionAnomalyDeleted      = "anomaly.deleted"
	ActionRuleCreated         = "rule.created"
	ActionRuleUpdated         = "rule.updated"
	ActionRuleDeleted         = "rule.deleted"
	ActionKeyCreated          = "apikey.created"
	ActionKeyRevoked          = "apikey.revoked"
)
