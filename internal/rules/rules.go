// Package rules implements analyst-authored detection rules.
//
// A rule is a JSON condition tree evaluated against transaction
// features. Leaves compare one field against a value; composites
// combine sub-rules with AND/OR. Matching active rules open anomaly
// cases through the same lifecycle as model detections, so rule hits
// and model hits are investigated identically.
package rules

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateName = errors.New("rule name already exists")
	ErrValidation    = errors.New("validation failed")
)

// Status represents whether a rule participates in evaluation.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Severity ranks the seriousness of a rule hit. It maps to the risk
// score stamped on the opened case.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// riskFor maps rule severity to the risk score a match records.
func riskFor(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 0.9
	case SeverityHigh:
		return 0.7
	case SeverityMedium:
		return 0.45
	default:
		return 0.25
	}
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rule is an analyst-authored detection rule.
type Rule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Criteria    *Condition `json:"criteria"`
	Severity    Severity   `json:"severity"`
	Status      Status     `json:"status"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Filter narrows List results.
type Filter struct {
	Status   Status
	Severity Severity
	Search   string // matches name or description
	Limit    int
	Offset   int
}

// Store persists rules.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Rule, int, error)
	ListActive(ctx context.Context) ([]*Rule, error)
}

// CreateRequest is the payload for authoring a rule.
type CreateRequest struct {
	Name        string     `json:"name" binding:"required"`
	Description string     `json:"description"`
	Criteria    *Condition `json:"criteria" binding:"required"`
	Severity    Severity   `json:"severity"`
	Status      Status     `json:"status"`
}

// UpdateRequest is the payload for editing a rule. Zero fields keep
// their current value.
type UpdateRequest struct {
	Description *string    `json:"description,omitempty"`
	Criteria    *Condition `json:"criteria,omitempty"`
	Severity    Severity   `json:"severity,omitempty"`
	Status      Status     `json:"status,omitempty"`
}
