package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mwale/fraudlens/internal/anomaly"
	"github.com/mwale/fraudlens/internal/logging"
	"github.com/mwale/fraudlens/internal/transaction"
)

func newRulesService(t *testing.T) (*Service, *anomaly.MemoryStore) {
	t.Helper()
	anomalyStore := anomaly.NewMemoryStore()
	syncr := anomaly.NewSynchronizer(anomalyStore, nil, nil, logging.NewNop())
	cases := anomaly.NewService(anomalyStore, anomaly.NewAttributor(anomaly.DefaultPolicy()), syncr, nil, logging.NewNop())
	return NewService(NewMemoryStore(), cases, logging.NewNop()), anomalyStore
}

func highValueRule() CreateRequest {
	return CreateRequest{
		Name:     "high_value_night",
		Severity: SeverityHigh,
		Criteria: &Condition{
			Operator: "AND",
			Rules: []*Condition{
				{Field: "amount", Operator: ">", Value: 50000.0},
				{Field: "hour", Operator: "<", Value: 6.0},
			},
		},
	}
}

func sampleTransaction(amount float64, hour int) *transaction.Transaction {
	return &transaction.Transaction{
		ID:        "txn_1",
		UserID:    "user_1",
		Amount:    amount,
		Currency:  "USD",
		Status:    transaction.StatusCompleted,
		Timestamp: time.Date(2025, 3, 10, hour, 0, 0, 0, time.UTC),
	}
}

func TestCreate_Defaults(t *testing.T) {
	svc, _ := newRulesService(t)

	r, err := svc.Create(context.Background(), CreateRequest{
		Name:     "plain",
		Criteria: &Condition{Field: "amount", Operator: ">", Value: 100.0},
	}, "analyst_7")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if r.Severity != SeverityMedium || r.Status != StatusActive {
		t.Errorf("defaults = %s/%s", r.Severity, r.Status)
	}
	if r.ID == "" || r.CreatedBy != "analyst_7" {
		t.Errorf("rule = %+v", r)
	}
}

func TestCreate_Invalid(t *testing.T) {
	svc, _ := newRulesService(t)
	ctx := context.Background()

	cases := []CreateRequest{
		{Criteria: &Condition{Field: "amount", Operator: ">", Value: 1.0}}, // no name
		{Name: "x"}, // no criteria
		{Name: "x", Criteria: &Condition{Field: "amount", Operator: "~", Value: 1.0}},
		{Name: "x", Criteria: &Condition{Field: "a", Operator: ">", Value: 1.0}, Severity: "extreme"},
	}
	for i, req := range cases {
		if _, err := svc.Create(ctx, req, ""); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: got %v", i, err)
		}
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	svc, _ := newRulesService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, highValueRule(), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, highValueRule(), ""); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("got %v", err)
	}
}

func TestApply_MatchOpensCase(t *testing.T) {
	svc, anomalyStore := newRulesService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, highValueRule(), "analyst_7"); err != nil {
		t.Fatal(err)
	}

	matches := svc.Apply(ctx, sampleTransaction(80000, 2))
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.Rule.Name != "high_value_night" {
		t.Errorf("matched rule = %s", m.Rule.Name)
	}
	if m.Anomaly == nil {
		t.Fatal("match did not open a case")
	}
	if m.Anomaly.TriggeredBy.Type != "Rule Engine" {
		t.Errorf("trigger type = %q", m.Anomaly.TriggeredBy.Type)
	}
	if m.Anomaly.RiskScore != 0.7 {
		t.Errorf("risk = %v, want 0.7 for high severity", m.Anomaly.RiskScore)
	}

	cases, _ := anomalyStore.FindByTransactionID(ctx, "txn_1")
	if len(cases) != 1 {
		t.Errorf("persisted cases = %d", len(cases))
	}
}

func TestApply_NoMatch(t *testing.T) {
	svc, anomalyStore := newRulesService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, highValueRule(), ""); err != nil {
		t.Fatal(err)
	}

	// Daytime: hour condition fails.
	if matches := svc.Apply(ctx, sampleTransaction(80000, 14)); len(matches) != 0 {
		t.Errorf("matches = %d, want 0", len(matches))
	}
	if _, total, _ := anomalyStore.List(ctx, anomaly.Filter{Limit: 10}); total != 0 {
		t.Error("case opened without a match")
	}
}

func TestApply_InactiveRulesSkipped(t *testing.T) {
	svc, _ := newRulesService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, highValueRule(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, created.ID, UpdateRequest{Status: StatusInactive}, ""); err != nil {
		t.Fatal(err)
	}

	if matches := svc.Apply(ctx, sampleTransaction(80000, 2)); len(matches) != 0 {
		t.Errorf("inactive rule matched: %d", len(matches))
	}
}

func TestApply_SeverityRiskMapping(t *testing.T) {
	cases := []struct {
		severity Severity
		wantRisk float64
		wantTier anomaly.Severity
	}{
		{SeverityLow, 0.25, anomaly.SeverityLow},
		{SeverityMedium, 0.45, anomaly.SeverityMedium},
		{SeverityHigh, 0.7, anomaly.SeverityHigh},
		{SeverityCritical, 0.9, anomaly.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(string(tc.severity), func(t *testing.T) {
			svc, _ := newRulesService(t)
			ctx := context.Background()

			req := highValueRule()
			req.Severity = tc.severity
			if _, err := svc.Create(ctx, req, ""); err != nil {
				t.Fatal(err)
			}

			matches := svc.Apply(ctx, sampleTransaction(80000, 2))
			if len(matches) != 1 || matches[0].Anomaly == nil {
				t.Fatalf("matches = %+v", matches)
			}
			a := matches[0].Anomaly
			if a.RiskScore != tc.wantRisk || a.Severity != tc.wantTier {
				t.Errorf("risk = %v severity = %s, want %v/%s", a.RiskScore, a.Severity, tc.wantRisk, tc.wantTier)
			}
		})
	}
}

func TestUpdate_EditsCriteria(t *testing.T) {
	svc, _ := newRulesService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, highValueRule(), "")
	if err != nil {
		t.Fatal(err)
	}

	updated, err := svc.Update(ctx, created.ID, UpdateRequest{
		Criteria: &Condition{Field: "amount", Operator: ">", Value: 1000.0},
		Severity: SeverityCritical,
	}, "analyst_9")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Severity != SeverityCritical || updated.UpdatedBy != "analyst_9" {
		t.Errorf("updated = %+v", updated)
	}

	if matches := svc.Apply(ctx, sampleTransaction(2000, 14)); len(matches) != 1 {
		t.Errorf("new criteria not in effect: %d matches", len(matches))
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newRulesService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, highValueRule(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("got %v", err)
	}
	if err := svc.Delete(ctx, created.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestFeatureMap(t *testing.T) {
	tx := sampleTransaction(123.45, 22)
	tx.Merchant = "acme"
	tx.IsNewDevice = true

	f := FeatureMap(tx)
	if f["amount"] != 123.45 || f["merchant"] != "acme" || f["is_new_device"] != true {
		t.Errorf("features = %v", f)
	}
	if f["hour"] != 22 {
		t.Errorf("hour = %v", f["hour"])
	}
}
