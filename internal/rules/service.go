package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwale/fraudlens/internal/anomaly"
	"github.com/mwale/fraudlens/internal/idgen"
	"github.com/mwale/fraudlens/internal/metrics"
	"github.com/mwale/fraudlens/internal/scorer"
	"github.com/mwale/fraudlens/internal/transaction"
)

// CaseOpener opens anomaly cases for rule matches. Implemented by
// anomaly.Service.
type CaseOpener interface {
	CreateFromAssessment(ctx context.Context, tx anomaly.TransactionRef, assessment *scorer.Assessment) (*anomaly.Anomaly, error)
}

// Service manages rules and evaluates them against transactions.
type Service struct {
	store  Store
	cases  CaseOpener
	logger *slog.Logger
}

// NewService creates the rules service. cases may be nil, in which
// case matches are counted but no anomalies open.
func NewService(store Store, cases CaseOpener, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cases: cases, logger: logger}
}

// Create stores a new rule after validating its criteria tree.
func (s *Service) Create(ctx context.Context, req CreateRequest, createdBy string) (*Rule, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := req.Criteria.Validate(); err != nil {
		return nil, err
	}
	severity := req.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	if !validSeverity(severity) {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, severity)
	}
	status := req.Status
	if status == "" {
		status = StatusActive
	}
	if status != StatusActive && status != StatusInactive {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	now := time.Now().UTC()
	r := &Rule{
		ID:          idgen.WithPrefix("rul_"),
		Name:        req.Name,
		Description: req.Description,
		Criteria:    req.Criteria,
		Severity:    severity,
		Status:      status,
		CreatedBy:   createdBy,
		UpdatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

// Update edits a rule in place.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest, updatedBy string) (*Rule, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Criteria != nil {
		if err := req.Criteria.Validate(); err != nil {
			return nil, err
		}
		r.Criteria = req.Criteria
	}
	if req.Description != nil {
		r.Description = *req.Description
	}
	if req.Severity != "" {
		if !validSeverity(req.Severity) {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, req.Severity)
		}
		r.Severity = req.Severity
	}
	if req.Status != "" {
		if req.Status != StatusActive && req.Status != StatusInactive {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
		}
		r.Status = req.Status
	}
	r.UpdatedBy = updatedBy
	r.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return r, nil
}

// Get returns a rule by id.
func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	return s.store.Get(ctx, id)
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// List returns rules matching the filter plus the unpaged total.
func (s *Service) List(ctx context.Context, f Filter) ([]*Rule, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return s.store.List(ctx, f)
}

// Match records one rule firing on a transaction.
type Match struct {
	Rule    *Rule            `json:"rule"`
	Anomaly *anomaly.Anomaly `json:"anomaly,omitempty"`
}

// Apply evaluates all active rules against a transaction and opens a
// case per match. Rule evaluation is best-effort: a failure loading or
// applying rules never fails the transaction that triggered it.
func (s *Service) Apply(ctx context.Context, t *transaction.Transaction) []Match {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "rule evaluation skipped", "error", err)
		return nil
	}
	if len(active) == 0 {
		return nil
	}

	features := FeatureMap(t)
	var matches []Match
	for _, r := range active {
		if !r.Criteria.Evaluate(features) {
			continue
		}
		metrics.RuleMatchesTotal.WithLabelValues(r.ID).Inc()

		m := Match{Rule: r}
		if s.cases != nil {
			a, err := s.cases.CreateFromAssessment(ctx, anomaly.TransactionRef{
				TransactionID: t.ID,
				UserID:        t.UserID,
				Amount:        t.Amount,
				Timestamp:     t.Timestamp,
			}, matchAssessment(r, t))
			if err != nil {
				s.logger.ErrorContext(ctx, "rule matched but case not opened",
					"rule_id", r.ID,
					"transaction_id", t.ID,
					"error", err)
			} else {
				m.Anomaly = a
			}
		}
		matches = append(matches, m)

		s.logger.InfoContext(ctx, "rule matched",
			"rule_id", r.ID,
			"rule_name", r.Name,
			"transaction_id", t.ID,
			"severity", r.Severity)
	}
	return matches
}

// matchAssessment shapes a rule hit as a fallback-tagged assessment so
// the case lifecycle attributes it to the rule engine.
func matchAssessment(r *Rule, t *transaction.Transaction) *scorer.Assessment {
	return &scorer.Assessment{
		IsAnomaly:        true,
		RiskScore:        riskFor(r.Severity),
		ModelName:        "rule_engine",
		ModelVersion:     scorer.FallbackModelVersion,
		ModelDescription: fmt.Sprintf("Matched rule %q", r.Name),
		Confidence:       riskFor(r.Severity),
		RiskFactors:      []string{r.Name},
		Timestamp:        t.Timestamp,
	}
}

// ApplyRules runs Apply for the transaction ingestion hook.
func (s *Service) ApplyRules(ctx context.Context, t *transaction.Transaction) {
	s.Apply(ctx, t)
}

// FeatureMap flattens a transaction into the field names rule criteria
// reference.
func FeatureMap(t *transaction.Transaction) map[string]any {
	return map[string]any{
		"amount":           t.Amount,
		"currency":         t.Currency,
		"user_id":          t.UserID,
		"merchant":         t.Merchant,
		"transaction_type": t.TransactionType,
		"location_city":    t.LocationCity,
		"location_country": t.LocationCountry,
		"device_id":        t.DeviceID,
		"ip_address":       t.IPAddress,
		"is_new_location":  t.IsNewLocation,
		"is_new_device":    t.IsNewDevice,
		"risk_score":       t.RiskScore,
		"is_fraud":         t.IsFraud,
		"status":           string(t.Status),
		"description":      t.Description,
		"hour":             t.Timestamp.UTC().Hour(),
	}
}

// Compile-time assertion that the rules service plugs into the
// transaction pipeline.
var _ transaction.RuleMatcher = (*Service)(nil)
