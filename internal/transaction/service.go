package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwale/fraudlens/internal/anomaly"
	"github.com/mwale/fraudlens/internal/idgen"
	"github.com/mwale/fraudlens/internal/scorer"
	"github.com/mwale/fraudlens/internal/traces"
)

// Assessor scores transaction features. Implemented by scorer.Client.
type Assessor interface {
	Assess(ctx context.Context, f scorer.Features) *scorer.Assessment
}

// CaseOpener opens anomaly cases. Implemented by anomaly.Service.
type CaseOpener interface {
	CreateFromAssessment(ctx context.Context, tx anomaly.TransactionRef, assessment *scorer.Assessment) (*anomaly.Anomaly, error)
	FlagTransaction(ctx context.Context, tx anomaly.TransactionRef, flaggedBy, reason string) (*anomaly.Anomaly, error)
}

// RuleMatcher evaluates analyst rules against a stored transaction.
// Implemented by rules.Service.
type RuleMatcher interface {
	ApplyRules(ctx context.Context, t *Transaction)
}

// Publisher broadcasts processed transactions to general subscribers.
type Publisher interface {
	TransactionProcessed(t *Transaction)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) TransactionProcessed(*Transaction) {}

// Service runs the ingestion pipeline.
type Service struct {
	store     Store
	assessor  Assessor
	cases     CaseOpener
	rules     RuleMatcher
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates the transaction service. rules and publisher may
// be nil.
func NewService(store Store, assessor Assessor, cases CaseOpener, rules RuleMatcher, publisher Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		assessor:  assessor,
		cases:     cases,
		rules:     rules,
		publisher: publisher,
		logger:    logger,
	}
}

// IngestResult pairs a stored transaction with the case opened for it,
// if any.
type IngestResult struct {
	Transaction *Transaction     `json:"transaction"`
	Anomaly     *anomaly.Anomaly `json:"anomaly,omitempty"`
}

// Ingest validates, persists, assesses, and broadcasts a transaction.
// Assessment never fails the ingest: the scorer falls back to rules on
// any error. A failure opening the anomaly case is logged and does not
// roll back the stored transaction.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := validateIngest(req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "transaction.ingest",
		traces.Amount(req.Amount))
	defer span.End()

	now := time.Now().UTC()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}
	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("txn_")
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	history, err := s.store.UserHistory(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("user history: %w", err)
	}

	t := &Transaction{
		ID:              id,
		UserID:          req.UserID,
		Amount:          req.Amount,
		Currency:        currency,
		Merchant:        req.Merchant,
		TransactionType: req.TransactionType,
		LocationCity:    req.LocationCity,
		LocationCountry: req.LocationCountry,
		DeviceID:        req.DeviceID,
		IPAddress:       req.IPAddress,
		IsNewLocation:   req.LocationCity != "" && !history.KnowsLocation(req.LocationCity),
		IsNewDevice:     req.DeviceID != "" && !history.KnowsDevice(req.DeviceID),
		Status:          StatusCompleted,
		Description:     req.Description,
		Timestamp:       ts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	assessment := s.assessor.Assess(ctx, scorer.Features{
		TransactionID:         t.ID,
		UserID:                t.UserID,
		Amount:                t.Amount,
		Currency:              t.Currency,
		Timestamp:             t.Timestamp,
		Location:              t.LocationCity,
		DeviceID:              t.DeviceID,
		IsNewLocation:         t.IsNewLocation,
		IsNewDevice:           t.IsNewDevice,
		UserTotalTransactions: history.TransactionCount,
		UserTotalAmountSpent:  history.TotalSpent,
	})
	t.RiskScore = assessment.RiskScore
	t.IsFraud = assessment.IsAnomaly

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	result := &IngestResult{Transaction: t}
	if assessment.IsAnomaly {
		a, err := s.cases.CreateFromAssessment(ctx, anomaly.TransactionRef{
			TransactionID: t.ID,
			UserID:        t.UserID,
			Amount:        t.Amount,
			Timestamp:     t.Timestamp,
		}, assessment)
		if err != nil {
			// The transaction is already stored; losing the case is
			// recoverable by reprocessing, losing the transaction is not.
			s.logger.ErrorContext(ctx, "CRITICAL: transaction stored but anomaly case not opened",
				"transaction_id", t.ID,
				"risk_score", assessment.RiskScore,
				"error", err)
		} else {
			result.Anomaly = a
		}
	}

	if s.rules != nil {
		s.rules.ApplyRules(ctx, t)
	}

	s.publisher.TransactionProcessed(t)

	s.logger.InfoContext(ctx, "transaction processed",
		"transaction_id", t.ID,
		"user_id", t.UserID,
		"amount", t.Amount,
		"risk_score", t.RiskScore,
		"is_fraud", t.IsFraud,
		"source", assessmentSource(assessment))

	return result, nil
}

// FlagFraud marks a transaction fraudulent on an analyst's say-so and
// opens a high-risk manual case. The mirror write happens through the
// case synchronizer so both paths stay consistent.
func (s *Service) FlagFraud(ctx context.Context, id, flaggedBy, reason string) (*IngestResult, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	a, err := s.cases.FlagTransaction(ctx, anomaly.TransactionRef{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Amount:        t.Amount,
		Timestamp:     t.Timestamp,
	}, flaggedBy, reason)
	if err != nil {
		return nil, fmt.Errorf("flag transaction: %w", err)
	}

	// Re-read: the synchronizer has updated the mirror.
	t, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Transaction: t, Anomaly: a}, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// List returns transactions matching the filter plus the unpaged total.
func (s *Service) List(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return s.store.List(ctx, f)
}

// GetStats returns ledger aggregates.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

func assessmentSource(a *scorer.Assessment) string {
	if a.IsFallback() {
		return "fallback"
	}
	return "model"
}

func validateIngest(req IngestRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}
