package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwale/fraudlens/internal/idgen"
	"github.com/mwale/fraudlens/internal/logging"
	"github.com/mwale/fraudlens/internal/metrics"
	"github.com/mwale/fraudlens/internal/scorer"
	"github.com/mwale/fraudlens/internal/traces"
)

// Service orchestrates the case lifecycle: it owns the store, the
// attributor, the synchronizer, and the publisher, and sequences
// persist → synchronize → publish for every mutation. Mirror-sync and
// broadcast failures never roll back a successful persist.
type Service struct {
	store      Store
	attributor *Attributor
	sync       *Synchronizer
	publisher  Publisher
	logger     *slog.Logger
}

// NewService creates the lifecycle service.
func NewService(store Store, attributor *Attributor, sync *Synchronizer, publisher Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		attributor: attributor,
		sync:       sync,
		publisher:  publisher,
		logger:     logger,
	}
}

// CreateFromAssessment opens a case for an anomalous assessment.
// Returns (nil, nil) when the assessment is not anomalous: no store
// write happens in that path. Validation runs before any I/O.
func (s *Service) CreateFromAssessment(ctx context.Context, tx TransactionRef, assessment *scorer.Assessment) (*Anomaly, error) {
	if err := validateRef(tx); err != nil {
		return nil, err
	}
	if assessment == nil || !assessment.IsAnomaly {
		return nil, nil
	}

	ctx, span := traces.StartSpan(ctx, "anomaly.create_from_assessment",
		traces.TransactionID(tx.TransactionID),
		traces.RiskScore(assessment.RiskScore),
		traces.ScoreSource(assessment.ModelVersion))
	defer span.End()

	attribution := s.attributor.Attribute(assessment, tx.Amount)

	detectedAt := assessment.Timestamp
	if detectedAt.IsZero() {
		detectedAt = tx.Timestamp
	}

	now := time.Now().UTC()
	a := &Anomaly{
		ID:            idgen.WithPrefix("anm_"),
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		RiskScore:     assessment.RiskScore,
		Severity:      s.attributor.SeverityFor(assessment.RiskScore),
		Status:        StatusOpen,
		RuleName:      "ML_Detection",
		Description:   fmt.Sprintf("Anomaly detected with risk score %.2f using %s.", assessment.RiskScore, attribution.Algorithm),
		TriggeredBy:   &attribution,
		Comments:      []Comment{},
		ModelVersion:  attribution.Version,
		Timestamp:     detectedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if a.TriggeredBy.Type == triggerTypeRules {
		a.RuleName = "Rule_Detection"
	}
	span.SetAttributes(traces.AnomalyID(a.ID))

	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create anomaly: %w", err)
	}
	metrics.AnomaliesTotal.WithLabelValues("created").Inc()

	s.sync.AnomalyCreated(ctx, a)
	s.publisher.AnomalyCreated(a)

	logging.L(ctx).Info("anomaly case opened",
		"anomaly_id", a.ID,
		"transaction_id", a.TransactionID,
		"risk_score", a.RiskScore,
		"severity", a.Severity,
		"algorithm", attribution.Algorithm)

	return a, nil
}

// CreateManual opens a case without an assessment (human-initiated).
// Fixed medium severity and a 0.5 risk score.
func (s *Service) CreateManual(ctx context.Context, tx TransactionRef, createdBy, description string) (*Anomaly, error) {
	if err := validateRef(tx); err != nil {
		return nil, err
	}

	if description == "" {
		description = fmt.Sprintf("Manual anomaly creation for transaction %s.", tx.TransactionID)
	}

	now := time.Now().UTC()
	a := &Anomaly{
		ID:            idgen.WithPrefix("anm_"),
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		RiskScore:     0.5,
		Severity:      SeverityMedium,
		Status:        StatusOpen,
		RuleName:      "Manual_Detection",
		Description:   description,
		TriggeredBy: &Attribution{
			Type:            "Manual",
			Algorithm:       "ManualFlag",
			Version:         "1.0",
			Description:     "Manually flagged by " + createdBy,
			Confidence:      0.5,
			SelectionReason: "Manual creation without model assessment",
		},
		Comments:     []Comment{},
		ModelVersion: "1.0",
		Timestamp:    tx.Timestamp,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create anomaly: %w", err)
	}
	metrics.AnomaliesTotal.WithLabelValues("created").Inc()

	s.sync.AnomalyCreated(ctx, a)
	s.publisher.AnomalyCreated(a)

	return a, nil
}

// FlagTransaction opens a case for a human fraud flag on a
// transaction. Unlike CreateManual this records high confidence: the
// analyst has already judged the transaction fraudulent.
func (s *Service) FlagTransaction(ctx context.Context, tx TransactionRef, flaggedBy, reason string) (*Anomaly, error) {
	if err := validateRef(tx); err != nil {
		return nil, err
	}

	if reason == "" {
		reason = fmt.Sprintf("Transaction %s flagged as fraudulent.", tx.TransactionID)
	}

	const flagRisk = 0.9
	now := time.Now().UTC()
	a := &Anomaly{
		ID:            idgen.WithPrefix("anm_"),
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		RiskScore:     flagRisk,
		Severity:      s.attributor.SeverityFor(flagRisk),
		Status:        StatusOpen,
		RuleName:      "Manual_Flag",
		Description:   reason,
		TriggeredBy: &Attribution{
			Type:            "Manual",
			Algorithm:       "ManualFlag",
			Version:         "1.0",
			Description:     "Transaction flagged as fraud by " + flaggedBy,
			Confidence:      flagRisk,
			SelectionReason: "Manual fraud flag on transaction",
		},
		Comments:     []Comment{},
		ModelVersion: "1.0",
		Timestamp:    tx.Timestamp,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create anomaly: %w", err)
	}
	metrics.AnomaliesTotal.WithLabelValues("created").Inc()

	s.sync.AnomalyCreated(ctx, a)
	s.publisher.AnomalyCreated(a)

	logging.L(ctx).Info("transaction flagged as fraud",
		"anomaly_id", a.ID,
		"transaction_id", a.TransactionID,
		"flagged_by", flaggedBy)

	return a, nil
}

// Update applies a partial update. The resolved_at/status pairing is
// enforced here; a supplied risk score always recomputes severity, so
// the two never drift apart.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Anomaly, error) {
	if req.Status != "" && !ValidStatus(req.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
	}
	if req.RiskScore != nil && (*req.RiskScore < 0 || *req.RiskScore > 1) {
		return nil, fmt.Errorf("%w: risk score must be in [0,1]", ErrValidation)
	}

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := *a

	if req.Description != "" {
		a.Description = req.Description
	}

	switch {
	case req.RiskScore != nil:
		// Risk score wins: severity is re-derived, a supplied severity
		// is ignored.
		a.RiskScore = *req.RiskScore
		a.Severity = s.attributor.SeverityFor(a.RiskScore)
	case req.Severity != "":
		if req.Severity.Rank() < 0 {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, req.Severity)
		}
		a.Severity = req.Severity
	}

	if req.Comment != nil && req.Comment.Text != "" {
		c := *req.Comment
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now().UTC()
		}
		a.Comments = append(a.Comments, c)
	}

	if req.Status != "" && req.Status != a.Status {
		a.Status = req.Status
		if IsResolvedStatus(a.Status) {
			now := time.Now().UTC()
			a.ResolvedAt = &now
			if req.ResolvedBy != "" {
				a.ResolvedBy = req.ResolvedBy
			}
			if req.ResolutionNotes != "" {
				a.ResolutionNotes = req.ResolutionNotes
			}
		} else {
			a.ResolvedAt = nil
			a.ResolvedBy = ""
			a.ResolutionNotes = ""
		}
	}

	a.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("update anomaly: %w", err)
	}
	metrics.AnomaliesTotal.WithLabelValues("updated").Inc()

	s.sync.AnomalyUpdated(ctx, &prev, a)
	s.publisher.AnomalyUpdated(a)

	return a, nil
}

// AddComment appends an analyst note without touching any other field.
func (s *Service) AddComment(ctx context.Context, id string, comment Comment) (*Anomaly, error) {
	if comment.Text == "" {
		return nil, fmt.Errorf("%w: comment text is required", ErrValidation)
	}
	return s.Update(ctx, id, UpdateRequest{Comment: &comment})
}

// Delete hard-deletes a case, reconciles the transaction mirror, and
// broadcasts the removal. Returns the case as it existed before.
func (s *Service) Delete(ctx context.Context, id string) (*Anomaly, error) {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.AnomaliesTotal.WithLabelValues("deleted").Inc()

	s.sync.AnomalyDeleted(ctx, deleted)
	s.publisher.AnomalyDeleted(deleted.ID)

	logging.L(ctx).Info("anomaly case deleted",
		"anomaly_id", deleted.ID,
		"transaction_id", deleted.TransactionID)

	return deleted, nil
}

// Get returns a case by id.
func (s *Service) Get(ctx context.Context, id string) (*Anomaly, error) {
	return s.store.Get(ctx, id)
}

// ByTransaction returns all cases referencing a transaction.
func (s *Service) ByTransaction(ctx context.Context, transactionID string) ([]*Anomaly, error) {
	return s.store.FindByTransactionID(ctx, transactionID)
}

// List returns cases matching the filter plus the unpaged total count.
func (s *Service) List(ctx context.Context, f Filter) ([]*Anomaly, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return s.store.List(ctx, f)
}

// OpenSnapshot returns open cases, most recent first, for the
// privileged subscriber's initial message.
func (s *Service) OpenSnapshot(ctx context.Context, limit int) ([]*Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListOpen(ctx, limit)
}

// Stats aggregates case counts for the dashboard.
type Stats struct {
	ByStatus   map[Status]int   `json:"byStatus"`
	BySeverity map[Severity]int `json:"bySeverity"`
	OpenCount  int              `json:"openCount"`
}

// GetStats returns status and severity aggregates.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	byStatus, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	bySeverity, err := s.store.SeverityDistribution(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByStatus:   byStatus,
		BySeverity: bySeverity,
		OpenCount:  byStatus[StatusOpen],
	}
	metrics.OpenAnomalies.Set(float64(stats.OpenCount))
	return stats, nil
}

// validateRef checks the fields every lifecycle operation needs.
// Runs before any I/O.
func validateRef(tx TransactionRef) error {
	if tx.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrValidation)
	}
	if tx.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	return nil
}
