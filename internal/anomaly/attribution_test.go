package anomaly

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mwale/fraudlens/internal/scorer"
)

func modelAssessment(score float64) *scorer.Assessment {
	return &scorer.Assessment{
		IsAnomaly:    score > 0.5,
		RiskScore:    score,
		ModelVersion: "2.3.0",
		Confidence:   0.8,
	}
}

func fallbackAssessment(score float64) *scorer.Assessment {
	return &scorer.Assessment{
		IsAnomaly:    score > 0.5,
		RiskScore:    score,
		ModelName:    "rule_engine",
		ModelVersion: scorer.FallbackModelVersion,
		Confidence:   0.8,
	}
}

func TestSeverityFor_Tiers(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	cases := []struct {
		score float64
		want  Severity
	}{
		{0.0, SeverityLow},
		{0.29, SeverityLow},
		{0.3, SeverityMedium},
		{0.59, SeverityMedium},
		{0.6, SeverityHigh},
		{0.84, SeverityHigh},
		{0.85, SeverityCritical},
		{1.0, SeverityCritical},
	}
	for _, tc := range cases {
		if got := at.SeverityFor(tc.score); got != tc.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestSeverityFor_Monotonic(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	prev := at.SeverityFor(0)
	for i := 1; i <= 100; i++ {
		score := float64(i) / 100
		cur := at.SeverityFor(score)
		if cur.Rank() < prev.Rank() {
			t.Fatalf("severity decreased from %s to %s at score %v", prev, cur, score)
		}
		prev = cur
	}
}

func TestAttribute_Cascade(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	cases := []struct {
		name       string
		assessment *scorer.Assessment
		amount     float64
		want       string
	}{
		{"deep tier", modelAssessment(0.95), 100, AlgorithmAutoencoder},
		{"deep tier beats high value", modelAssessment(0.92), 80000, AlgorithmAutoencoder},
		{"precision tier high value", modelAssessment(0.75), 60000, AlgorithmOneClassSVM},
		{"precision score but low value", modelAssessment(0.75), 100, AlgorithmLOF},
		{"default tier", modelAssessment(0.65), 100, AlgorithmLOF},
		{"high value low score", modelAssessment(0.4), 60000, AlgorithmEnsemble},
		{"fallback low score", fallbackAssessment(0.4), 100, AlgorithmRuleBased},
		{"model low score", modelAssessment(0.4), 100, AlgorithmLOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.assessment.ModelName = "" // no hint, exercise the cascade
			attr := at.Attribute(tc.assessment, tc.amount)
			if attr.Algorithm != tc.want {
				t.Errorf("Attribute() algorithm = %s, want %s", attr.Algorithm, tc.want)
			}
		})
	}
}

func TestAttribute_ModelHintOverridesCascade(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	a := modelAssessment(0.95) // cascade alone would say Autoencoder
	a.ModelName = "isolation_forest_v2"

	attr := at.Attribute(a, 100)
	if attr.Algorithm != AlgorithmIsolationForest {
		t.Errorf("expected hint to win, got %s", attr.Algorithm)
	}
}

func TestAttribute_UnrecognizedHintFallsThrough(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	a := modelAssessment(0.95)
	a.ModelName = "experimental_gnn"

	attr := at.Attribute(a, 100)
	if attr.Algorithm != AlgorithmAutoencoder {
		t.Errorf("expected cascade result for unknown hint, got %s", attr.Algorithm)
	}
}

func TestAttribute_TriggerType(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	if attr := at.Attribute(modelAssessment(0.7), 100); attr.Type != "ML Model" {
		t.Errorf("model assessment type = %q, want ML Model", attr.Type)
	}
	if attr := at.Attribute(fallbackAssessment(0.7), 100); attr.Type != "Rule Engine" {
		t.Errorf("fallback assessment type = %q, want Rule Engine", attr.Type)
	}
}

func TestAttribute_SelectionReason(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	attr := at.Attribute(modelAssessment(0.72), 1234.5)
	want := fmt.Sprintf("Selected based on risk score %.2f and transaction amount %.2f", 0.72, 1234.5)
	if attr.SelectionReason != want {
		t.Errorf("selection reason = %q, want %q", attr.SelectionReason, want)
	}

	// Every attribution carries a reason, including fallbacks.
	attr = at.Attribute(fallbackAssessment(0.3), 0)
	if attr.SelectionReason == "" {
		t.Error("fallback attribution missing selection reason")
	}
}

func TestAttribute_ConfidenceDefaultsToRiskScore(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	a := modelAssessment(0.64)
	a.Confidence = 0

	attr := at.Attribute(a, 100)
	if attr.Confidence != 0.64 {
		t.Errorf("confidence = %v, want risk score 0.64", attr.Confidence)
	}
}

func TestAttribute_VersionDefault(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	a := modelAssessment(0.7)
	a.ModelVersion = ""

	attr := at.Attribute(a, 100)
	if attr.Version != "1.0" {
		t.Errorf("version = %q, want 1.0", attr.Version)
	}
}

func TestAttribute_DescriptionOverride(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	a := modelAssessment(0.7)
	a.ModelDescription = "Custom detector description"

	attr := at.Attribute(a, 100)
	if attr.Description != "Custom detector description" {
		t.Errorf("description = %q, want scorer-supplied override", attr.Description)
	}
}

func TestAttribute_Deterministic(t *testing.T) {
	at := NewAttributor(DefaultPolicy())

	a := modelAssessment(0.77)
	a.RiskFactors = []string{"High transaction amount"}

	first := at.Attribute(a, 60000)
	for i := 0; i < 5; i++ {
		if got := at.Attribute(a, 60000); got.Algorithm != first.Algorithm ||
			got.SelectionReason != first.SelectionReason ||
			got.Confidence != first.Confidence {
			t.Fatal("attribution is not deterministic for identical inputs")
		}
	}
}

func TestMapModelHint_CaseInsensitive(t *testing.T) {
	for _, name := range []string{"LOF", "Lof_v3", "local_outlier"} {
		if !strings.Contains(strings.ToLower(name), "lof") && !strings.Contains(strings.ToLower(name), "outlier") {
			continue
		}
		got, _, ok := mapModelHint(name)
		if !ok || got != AlgorithmLOF {
			t.Errorf("mapModelHint(%q) = %q, %v", name, got, ok)
		}
	}
}
