package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mwale/fraudlens/internal/logging"
	"github.com/mwale/fraudlens/internal/scorer"
)

// recordingPublisher captures broadcast events for verification.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	txns   []MirrorState
}

func (p *recordingPublisher) AnomalyCreated(a *Anomaly) {
	p.record("newAnomaly:" + a.ID)
}

func (p *recordingPublisher) AnomalyUpdated(a *Anomaly) {
	p.record("anomalyUpdated:" + a.ID)
}

func (p *recordingPublisher) AnomalyDeleted(id string) {
	p.record("anomalyDeleted:" + id)
}

func (p *recordingPublisher) TransactionUpdated(transactionID string, isFraud bool, riskScore float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "transactionUpdated:"+transactionID)
	p.txns = append(p.txns, MirrorState{IsFraud: isFraud, RiskScore: riskScore})
}

func (p *recordingPublisher) record(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPublisher) lastMirror() (MirrorState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txns) == 0 {
		return MirrorState{}, false
	}
	return p.txns[len(p.txns)-1], true
}

// mockMirror tracks per-transaction fraud state in memory.
type mockMirror struct {
	mu      sync.Mutex
	state   map[string]MirrorState
	calls   int
	failErr error
}

func newMockMirror() *mockMirror {
	return &mockMirror{state: make(map[string]MirrorState)}
}

func (m *mockMirror) UpdateMirror(ctx context.Context, transactionID string, patch MirrorPatch) (MirrorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failErr != nil {
		return MirrorState{}, m.failErr
	}
	s := m.state[transactionID]
	if patch.IsFraud != nil {
		s.IsFraud = *patch.IsFraud
	}
	if patch.RiskScore != nil {
		s.RiskScore = *patch.RiskScore
	}
	m.state[transactionID] = s
	return s, nil
}

func (m *mockMirror) get(transactionID string) MirrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[transactionID]
}

func (m *mockMirror) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// failingStore wraps a MemoryStore and fails selected operations.
type failingStore struct {
	Store
	createErr error
	updateErr error
}

func (f *failingStore) Create(ctx context.Context, a *Anomaly) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, a)
}

func (f *failingStore) Update(ctx context.Context, a *Anomaly) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Store.Update(ctx, a)
}

func newTestService() (*Service, *MemoryStore, *mockMirror, *recordingPublisher) {
	store := NewMemoryStore()
	mirror := newMockMirror()
	pub := &recordingPublisher{}
	syncr := NewSynchronizer(store, mirror, pub, logging.NewNop())
	svc := NewService(store, NewAttributor(DefaultPolicy()), syncr, pub, logging.NewNop())
	return svc, store, mirror, pub
}

func testRef() TransactionRef {
	return TransactionRef{
		TransactionID: "txn_123",
		UserID:        "user_1",
		Amount:        1500,
		Timestamp:     time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

func anomalousAssessment(score float64) *scorer.Assessment {
	return &scorer.Assessment{
		IsAnomaly:    true,
		RiskScore:    score,
		ModelVersion: "2.3.0",
		Confidence:   0.8,
		Timestamp:    time.Date(2025, 3, 10, 14, 0, 1, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// CreateFromAssessment
// ---------------------------------------------------------------------------

func TestCreateFromAssessment_OpensCase(t *testing.T) {
	svc, store, mirror, pub := newTestService()
	ctx := context.Background()

	a, err := svc.CreateFromAssessment(ctx, testRef(), anomalousAssessment(0.72))
	if err != nil {
		t.Fatalf("CreateFromAssessment failed: %v", err)
	}
	if a == nil {
		t.Fatal("expected a case for an anomalous assessment")
	}
	if a.Status != StatusOpen {
		t.Errorf("status = %s, want open", a.Status)
	}
	if a.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high for 0.72", a.Severity)
	}
	if a.RuleName != "ML_Detection" {
		t.Errorf("rule name = %q, want ML_Detection", a.RuleName)
	}
	if a.TriggeredBy == nil || a.TriggeredBy.SelectionReason == "" {
		t.Error("attribution missing selection reason")
	}

	stored, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("stored case not found: %v", err)
	}
	if stored.RiskScore != 0.72 {
		t.Errorf("stored risk score = %v", stored.RiskScore)
	}

	// Mirror flagged and mirrored the score.
	if state := mirror.get("txn_123"); !state.IsFraud || state.RiskScore != 0.72 {
		t.Errorf("mirror state = %+v, want fraud with 0.72", state)
	}

	events := pub.all()
	if len(events) != 2 || events[0] != "transactionUpdated:txn_123" || events[1] != "newAnomaly:"+a.ID {
		t.Errorf("events = %v", events)
	}
}

func TestCreateFromAssessment_NonAnomalousIsNoOp(t *testing.T) {
	svc, store, mirror, pub := newTestService()
	ctx := context.Background()

	assessment := anomalousAssessment(0.3)
	assessment.IsAnomaly = false

	a, err := svc.CreateFromAssessment(ctx, testRef(), assessment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != nil {
		t.Fatal("expected nil case for non-anomalous assessment")
	}

	if _, total, _ := store.List(ctx, Filter{Limit: 10}); total != 0 {
		t.Errorf("store has %d cases, want 0", total)
	}
	if mirror.callCount() != 0 {
		t.Error("mirror touched for non-anomalous assessment")
	}
	if len(pub.all()) != 0 {
		t.Error("events published for non-anomalous assessment")
	}
}

func TestCreateFromAssessment_ValidationBeforeIO(t *testing.T) {
	svc, store, mirror, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		ref  TransactionRef
	}{
		{"missing transaction id", TransactionRef{Timestamp: time.Now()}},
		{"missing timestamp", TransactionRef{TransactionID: "txn_123"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateFromAssessment(ctx, tc.ref, anomalousAssessment(0.9))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	// Validation rejections happen before any write.
	if _, total, _ := store.List(ctx, Filter{Limit: 10}); total != 0 {
		t.Error("store written despite validation failure")
	}
	if mirror.callCount() != 0 {
		t.Error("mirror touched despite validation failure")
	}
}

func TestCreateFromAssessment_PersistFailurePropagates(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore(), createErr: errors.New("db down")}
	mirror := newMockMirror()
	pub := &recordingPublisher{}
	syncr := NewSynchronizer(store, mirror, pub, logging.NewNop())
	svc := NewService(store, NewAttributor(DefaultPolicy()), syncr, pub, logging.NewNop())

	_, err := svc.CreateFromAssessment(context.Background(), testRef(), anomalousAssessment(0.9))
	if err == nil {
		t.Fatal("expected persistence failure to propagate")
	}
	if mirror.callCount() != 0 {
		t.Error("mirror synced despite failed persist")
	}
	if len(pub.all()) != 0 {
		t.Error("events published despite failed persist")
	}
}

func TestCreateFromAssessment_SyncFailureSwallowed(t *testing.T) {
	svc, store, mirror, pub := newTestService()
	mirror.failErr = errors.New("mirror unavailable")
	ctx := context.Background()

	a, err := svc.CreateFromAssessment(ctx, testRef(), anomalousAssessment(0.9))
	if err != nil {
		t.Fatalf("sync failure must not surface: %v", err)
	}
	if a == nil {
		t.Fatal("case should still be created")
	}

	if _, err := store.Get(ctx, a.ID); err != nil {
		t.Error("case missing despite successful persist")
	}
	// Broadcast still happens; no transactionUpdated since the mirror
	// write failed.
	events := pub.all()
	if len(events) != 1 || events[0] != "newAnomaly:"+a.ID {
		t.Errorf("events = %v", events)
	}
}

// ---------------------------------------------------------------------------
// CreateManual
// ---------------------------------------------------------------------------

func TestCreateManual_Defaults(t *testing.T) {
	svc, _, mirror, _ := newTestService()

	a, err := svc.CreateManual(context.Background(), testRef(), "analyst_7", "")
	if err != nil {
		t.Fatalf("CreateManual failed: %v", err)
	}
	if a.RiskScore != 0.5 {
		t.Errorf("risk score = %v, want 0.5", a.RiskScore)
	}
	if a.Severity != SeverityMedium {
		t.Errorf("severity = %s, want medium", a.Severity)
	}
	if a.Status != StatusOpen {
		t.Errorf("status = %s, want open", a.Status)
	}
	if a.RuleName != "Manual_Detection" {
		t.Errorf("rule name = %q", a.RuleName)
	}
	if a.Description == "" {
		t.Error("default description missing")
	}
	if state := mirror.get("txn_123"); !state.IsFraud || state.RiskScore != 0.5 {
		t.Errorf("mirror state = %+v", state)
	}
}

func TestFlagTransaction_HighRisk(t *testing.T) {
	svc, _, mirror, _ := newTestService()

	a, err := svc.FlagTransaction(context.Background(), testRef(), "analyst_7", "confirmed by cardholder")
	if err != nil {
		t.Fatalf("FlagTransaction failed: %v", err)
	}
	if a.RiskScore != 0.9 {
		t.Errorf("risk score = %v, want 0.9", a.RiskScore)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical for 0.9", a.Severity)
	}
	if a.RuleName != "Manual_Flag" {
		t.Errorf("rule name = %q", a.RuleName)
	}
	if state := mirror.get("txn_123"); !state.IsFraud || state.RiskScore != 0.9 {
		t.Errorf("mirror state = %+v", state)
	}
}

func TestCreateManual_RequiresTransactionID(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.CreateManual(context.Background(), TransactionRef{Timestamp: time.Now()}, "analyst_7", "x")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func mustCreate(t *testing.T, svc *Service, score float64) *Anomaly {
	t.Helper()
	a, err := svc.CreateFromAssessment(context.Background(), testRef(), anomalousAssessment(score))
	if err != nil || a == nil {
		t.Fatalf("setup create failed: %v", err)
	}
	return a
}

func TestUpdate_RiskScoreWinsOverSeverity(t *testing.T) {
	svc, _, _, _ := newTestService()
	a := mustCreate(t, svc, 0.72)

	risk := 0.95
	updated, err := svc.Update(context.Background(), a.ID, UpdateRequest{
		RiskScore: &risk,
		Severity:  SeverityLow, // conflicting hint, must be ignored
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.RiskScore != 0.95 {
		t.Errorf("risk score = %v", updated.RiskScore)
	}
	if updated.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical (re-derived from risk)", updated.Severity)
	}
}

func TestUpdate_ExplicitSeverityWithoutRisk(t *testing.T) {
	svc, _, _, _ := newTestService()
	a := mustCreate(t, svc, 0.72)

	updated, err := svc.Update(context.Background(), a.ID, UpdateRequest{Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Severity != SeverityCritical {
		t.Errorf("severity = %s", updated.Severity)
	}
	if updated.RiskScore != 0.72 {
		t.Errorf("risk score changed to %v", updated.RiskScore)
	}
}

func TestUpdate_ResolvedSetsResolutionFields(t *testing.T) {
	svc, _, _, _ := newTestService()
	a := mustCreate(t, svc, 0.72)

	updated, err := svc.Update(context.Background(), a.ID, UpdateRequest{
		Status:          StatusResolved,
		ResolvedBy:      "analyst_7",
		ResolutionNotes: "confirmed with issuer",
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.ResolvedAt == nil {
		t.Fatal("resolved_at not set for resolved status")
	}
	if updated.ResolvedBy != "analyst_7" || updated.ResolutionNotes != "confirmed with issuer" {
		t.Errorf("resolution fields = %q / %q", updated.ResolvedBy, updated.ResolutionNotes)
	}
}

func TestUpdate_ReopenClearsResolutionFields(t *testing.T) {
	svc, _, _, _ := newTestService()
	a := mustCreate(t, svc, 0.72)
	ctx := context.Background()

	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Status: StatusResolved, ResolvedBy: "analyst_7"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	updated, err := svc.Update(ctx, a.ID, UpdateRequest{Status: StatusInvestigating})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if updated.ResolvedAt != nil || updated.ResolvedBy != "" || updated.ResolutionNotes != "" {
		t.Errorf("resolution fields survive reopen: %+v", updated)
	}
}

func TestUpdate_FalsePositiveClearsMirrorFlag(t *testing.T) {
	svc, _, mirror, pub := newTestService()
	a := mustCreate(t, svc, 0.72)

	if state := mirror.get("txn_123"); !state.IsFraud {
		t.Fatal("setup: mirror should be flagged after create")
	}

	_, err := svc.Update(context.Background(), a.ID, UpdateRequest{Status: StatusFalsePositive})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if state := mirror.get("txn_123"); state.IsFraud {
		t.Error("mirror still flagged after false_positive")
	}
	if state, ok := pub.lastMirror(); !ok || state.IsFraud {
		t.Errorf("published transaction state = %+v", state)
	}
}

func TestUpdate_ResolvedConfirmsMirrorFlag(t *testing.T) {
	svc, _, mirror, _ := newTestService()
	a := mustCreate(t, svc, 0.72)
	ctx := context.Background()

	// Walk through false_positive then back to resolved.
	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Status: StatusFalsePositive}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Status: StatusResolved}); err != nil {
		t.Fatal(err)
	}
	if state := mirror.get("txn_123"); !state.IsFraud {
		t.Error("resolved status should confirm the fraud flag")
	}
}

func TestUpdate_NoMirrorCallWhenNothingRelevantChanges(t *testing.T) {
	svc, _, mirror, _ := newTestService()
	a := mustCreate(t, svc, 0.72)
	before := mirror.callCount()

	_, err := svc.Update(context.Background(), a.ID, UpdateRequest{Description: "new notes"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if mirror.callCount() != before {
		t.Error("mirror synced for a description-only update")
	}
}

func TestUpdate_InvalidInputs(t *testing.T) {
	svc, _, _, _ := newTestService()
	a := mustCreate(t, svc, 0.72)
	ctx := context.Background()

	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Status: "bogus"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bogus status: got %v", err)
	}
	bad := 1.5
	if _, err := svc.Update(ctx, a.ID, UpdateRequest{RiskScore: &bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("out-of-range risk: got %v", err)
	}
	if _, err := svc.Update(ctx, "anm_missing", UpdateRequest{Status: StatusResolved}); !errors.Is(err, ErrAnomalyNotFound) {
		t.Errorf("missing id: got %v", err)
	}
}

func TestAddComment(t *testing.T) {
	svc, _, _, _ := newTestService()
	a := mustCreate(t, svc, 0.72)
	ctx := context.Background()

	updated, err := svc.AddComment(ctx, a.ID, Comment{Author: "analyst", Text: "checked device history"})
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if len(updated.Comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(updated.Comments))
	}
	if updated.Comments[0].Timestamp.IsZero() {
		t.Error("comment timestamp not defaulted")
	}

	if _, err := svc.AddComment(ctx, a.ID, Comment{Author: "analyst"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty comment text: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete_ReturnsPreDeleteRecord(t *testing.T) {
	svc, store, mirror, pub := newTestService()
	a := mustCreate(t, svc, 0.72)
	ctx := context.Background()

	deleted, err := svc.Delete(ctx, a.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if deleted.ID != a.ID || deleted.RiskScore != 0.72 {
		t.Errorf("deleted = %+v", deleted)
	}

	if _, err := store.Get(ctx, a.ID); !errors.Is(err, ErrAnomalyNotFound) {
		t.Error("case still present after delete")
	}
	// Last case for the transaction: flag and score cleared.
	if state := mirror.get("txn_123"); state.IsFraud || state.RiskScore != 0 {
		t.Errorf("mirror state after delete = %+v", state)
	}

	events := pub.all()
	last := events[len(events)-1]
	if last != "anomalyDeleted:"+a.ID {
		t.Errorf("last event = %s", last)
	}
}

func TestDelete_KeepsFlagWhenOtherCasesRemain(t *testing.T) {
	svc, _, mirror, _ := newTestService()
	ctx := context.Background()

	first := mustCreate(t, svc, 0.72)
	second, err := svc.CreateManual(ctx, testRef(), "analyst_7", "second look")
	if err != nil {
		t.Fatalf("setup second case: %v", err)
	}

	calls := mirror.callCount()
	if _, err := svc.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mirror.callCount() != calls {
		t.Error("mirror cleared while another case remains")
	}
	if state := mirror.get("txn_123"); !state.IsFraud {
		t.Error("fraud flag lost while a case remains")
	}

	if _, err := svc.Get(ctx, second.ID); err != nil {
		t.Error("surviving case unexpectedly gone")
	}
}

func TestDelete_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()

	if _, err := svc.Delete(context.Background(), "anm_missing"); !errors.Is(err, ErrAnomalyNotFound) {
		t.Errorf("got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestGetStats(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	a := mustCreate(t, svc, 0.72)
	mustCreate(t, svc, 0.9)
	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Status: StatusResolved}); err != nil {
		t.Fatal(err)
	}

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.OpenCount != 1 {
		t.Errorf("open count = %d, want 1", stats.OpenCount)
	}
	if stats.ByStatus[StatusResolved] != 1 {
		t.Errorf("resolved count = %d", stats.ByStatus[StatusResolved])
	}
	if stats.BySeverity[SeverityCritical] != 1 || stats.BySeverity[SeverityHigh] != 1 {
		t.Errorf("severity distribution = %v", stats.BySeverity)
	}
}

func TestOpenSnapshot_DefaultLimit(t *testing.T) {
	svc, _, _, _ := newTestService()

	open, err := svc.OpenSnapshot(context.Background(), 0)
	if err != nil {
		t.Fatalf("OpenSnapshot failed: %v", err)
	}
	if open == nil {
		open = []*Anomaly{}
	}
	if len(open) != 0 {
		t.Errorf("expected empty snapshot, got %d", len(open))
	}
}
