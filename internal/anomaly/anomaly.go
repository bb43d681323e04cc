// Package anomaly implements the anomaly case lifecycle for suspected
// fraud findings.
//
// Flow:
//  1. A scored transaction judged anomalous opens a case → status: open
//  2. Analysts investigate → status transitions, comments, resolution fields
//  3. Every mutation follows persist → mirror-sync → broadcast; the mirror
//     and the broadcast are best-effort, the case record is the source of truth
//  4. Deleting the last case for a transaction clears its fraud flag
//
// Concurrent updates to the same case race at the store; row-level
// last-write-wins is the accepted conflict resolution.
package anomaly

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAnomalyNotFound = errors.New("anomaly not found")
	ErrValidation      = errors.New("validation failed")
)

// Status represents the investigation state of an anomaly case.
type Status string

const (
	StatusOpen           Status = "open"
	StatusInvestigating  Status = "investigating"
	StatusResolved       Status = "resolved"
	StatusFalsePositive  Status = "false_positive"
	StatusConfirmedFraud Status = "confirmed_fraud"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusFalsePositive, StatusConfirmedFraud:
		return true
	}
	return false
}

// IsResolvedStatus reports whether s requires a resolved_at timestamp.
func IsResolvedStatus(s Status) bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Severity classifies a case by its risk score. Derived, never set
// directly by callers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: low < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Attribution records which detection method produced a case and why.
// Immutable once written, except by explicit reclassification.
type Attribution struct {
	Type            string   `json:"type"` // "ML Model" or "Rule Engine"
	Algorithm       string   `json:"algorithm"`
	Version         string   `json:"version"`
	Description     string   `json:"description"`
	Confidence      float64  `json:"confidence"`
	RiskFactors     []string `json:"riskFactors,omitempty"`
	SelectionReason string   `json:"selectionReason"`
}

// Comment is an analyst note on a case. Append-only.
type Comment struct {
	Author    string    `json:"author"`
	AuthorID  string    `json:"authorId,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Anomaly is a persisted suspected-fraud finding tied to a transaction.
type Anomaly struct {
	ID              string       `json:"id"`
	TransactionID   string       `json:"transactionId"`
	UserID          string       `json:"userId,omitempty"`
	RiskScore       float64      `json:"riskScore"`
	Severity        Severity     `json:"severity"`
	Status          Status       `json:"status"`
	RuleName        string       `json:"ruleName,omitempty"`
	Description     string       `json:"description"`
	TriggeredBy     *Attribution `json:"triggeredBy,omitempty"`
	Comments        []Comment    `json:"comments"`
	ResolvedBy      string       `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time   `json:"resolvedAt,omitempty"`
	ResolutionNotes string       `json:"resolutionNotes,omitempty"`
	ModelVersion    string       `json:"modelVersion,omitempty"`
	Timestamp       time.Time    `json:"timestamp"` // detection time
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// CountsAsFraud reports whether this case justifies the transaction's
// fraud flag.
func (a *Anomaly) CountsAsFraud() bool {
	return a.Status != StatusFalsePositive
}

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	Status    Status
	Algorithm string
	Search    string // matches description or transaction id
	MinRisk   *float64
	MaxRisk   *float64
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Store persists anomaly cases.
type Store interface {
	Create(ctx context.Context, a *Anomaly) error
	Get(ctx context.Context, id string) (*Anomaly, error)
	Update(ctx context.Context, a *Anomaly) error
	// Delete removes the case and returns it as it existed before deletion.
	Delete(ctx context.Context, id string) (*Anomaly, error)
	FindByTransactionID(ctx context.Context, transactionID string) ([]*Anomaly, error)
	List(ctx context.Context, f Filter) ([]*Anomaly, int, error)
	// ListOpen returns open cases, most recent first.
	ListOpen(ctx context.Context, limit int) ([]*Anomaly, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	SeverityDistribution(ctx context.Context) (map[Severity]int, error)
}

// MirrorPatch is a partial update of a transaction's fraud mirror fields.
type MirrorPatch struct {
	IsFraud   *bool
	RiskScore *float64
}

// MirrorState is the transaction's fraud mirror after an update.
type MirrorState struct {
	IsFraud   bool
	RiskScore float64
}

// TransactionMirror abstracts the transaction store's mirror update so
// this package does not import the transaction package. UpdateMirror
// returns the resulting mirror state for event fan-out.
type TransactionMirror interface {
	UpdateMirror(ctx context.Context, transactionID string, patch MirrorPatch) (MirrorState, error)
}

// Publisher receives lifecycle events for real-time fan-out. Injected so
// tests can substitute a recording stub.
type Publisher interface {
	AnomalyCreated(a *Anomaly)
	AnomalyUpdated(a *Anomaly)
	AnomalyDeleted(id string)
	TransactionUpdated(transactionID string, isFraud bool, riskScore float64)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) AnomalyCreated(*Anomaly)                  {}
func (NopPublisher) AnomalyUpdated(*Anomaly)                  {}
func (NopPublisher) AnomalyDeleted(string)                    {}
func (NopPublisher) TransactionUpdated(string, bool, float64) {}

// TransactionRef carries the transaction fields the lifecycle needs.
// Kept minimal so callers do not hand over their whole entity.
type TransactionRef struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id,omitempty"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// UpdateRequest is a partial update of a case.
type UpdateRequest struct {
	Status          Status   `json:"status,omitempty"`
	Severity        Severity `json:"severity,omitempty"`
	RiskScore       *float64 `json:"riskScore,omitempty"`
	Description     string   `json:"description,omitempty"`
	ResolvedBy      string   `json:"resolvedBy,omitempty"`
	ResolutionNotes string   `json:"resolutionNotes,omitempty"`
	Comment         *Comment `json:"comment,omitempty"`
}
