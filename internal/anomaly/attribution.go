package anomaly

import (
	"fmt"
	"strings"

	"github.com/mwale/fraudlens/internal/scorer"
)

// Detection algorithm labels recorded on attribution.
const (
	AlgorithmAutoencoder     = "Autoencoder"
	AlgorithmOneClassSVM     = "OneClassSVM"
	AlgorithmLOF             = "LocalOutlierFactor"
	AlgorithmEnsemble        = "EnsembleDetection"
	AlgorithmIsolationForest = "IsolationForest"
	AlgorithmRuleBased       = "RuleBasedDetection"
)

const (
	triggerTypeModel = "ML Model"
	triggerTypeRules = "Rule Engine"
)

// Policy holds the attribution and severity thresholds. These are
// policy constants exposed through configuration, not learned from data.
type Policy struct {
	SeverityMedium   float64 // risk score at which severity becomes medium
	SeverityHigh     float64
	SeverityCritical float64

	DeepTier        float64 // score at which the heaviest algorithm class applies
	PrecisionTier   float64 // score at which the precision tier applies for high-value amounts
	DefaultTier     float64 // score at which the default detector applies
	HighValueAmount float64
}

// DefaultPolicy returns the thresholds observed in production.
func DefaultPolicy() Policy {
	return Policy{
		SeverityMedium:   0.3,
		SeverityHigh:     0.6,
		SeverityCritical: 0.85,
		DeepTier:         0.9,
		PrecisionTier:    0.7,
		DefaultTier:      0.6,
		HighValueAmount:  50000,
	}
}

// Attributor derives severity and algorithm attribution from an
// assessment. Pure: no I/O, no clock, no state.
type Attributor struct {
	policy Policy
}

// NewAttributor creates an attributor with the given policy.
func NewAttributor(policy Policy) *Attributor {
	return &Attributor{policy: policy}
}

// SeverityFor maps a risk score to a severity tier. Monotonic and total
// over [0,1].
func (at *Attributor) SeverityFor(riskScore float64) Severity {
	switch {
	case riskScore >= at.policy.SeverityCritical:
		return SeverityCritical
	case riskScore >= at.policy.SeverityHigh:
		return SeverityHigh
	case riskScore >= at.policy.SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Attribute labels which detection algorithm produced an assessment.
// The cascade is evaluated top to bottom, first match wins; an explicit
// recognized model-name hint overrides the label but not the
// selection_reason bookkeeping.
func (at *Attributor) Attribute(a *scorer.Assessment, amount float64) Attribution {
	algorithm, description := at.selectAlgorithm(a, amount)

	if hint, desc, ok := mapModelHint(a.ModelName); ok {
		algorithm, description = hint, desc
	}

	triggerType := triggerTypeModel
	if a.IsFallback() {
		triggerType = triggerTypeRules
	}

	version := a.ModelVersion
	if version == "" {
		version = "1.0"
	}

	confidence := a.Confidence
	if confidence == 0 {
		confidence = a.RiskScore
	}

	if a.ModelDescription != "" {
		description = a.ModelDescription
	}

	return Attribution{
		Type:            triggerType,
		Algorithm:       algorithm,
		Version:         version,
		Description:     description,
		Confidence:      confidence,
		RiskFactors:     a.RiskFactors,
		SelectionReason: fmt.Sprintf("Selected based on risk score %.2f and transaction amount %.2f", a.RiskScore, amount),
	}
}

// selectAlgorithm runs the priority cascade.
func (at *Attributor) selectAlgorithm(a *scorer.Assessment, amount float64) (string, string) {
	switch {
	case a.RiskScore >= at.policy.DeepTier:
		return AlgorithmAutoencoder, "Autoencoder Neural Network - Deep learning for critical fraud detection with highest accuracy"
	case a.RiskScore >= at.policy.PrecisionTier && amount >= at.policy.HighValueAmount:
		return AlgorithmOneClassSVM, "One-Class SVM - Support Vector Machine optimized for high-value transaction fraud"
	case a.RiskScore >= at.policy.DefaultTier:
		return AlgorithmLOF, "Local Outlier Factor - Best performing algorithm for general fraud detection"
	case amount >= at.policy.HighValueAmount:
		return AlgorithmEnsemble, "Ensemble Method - Combined algorithms for high-value transaction analysis"
	case a.IsFallback():
		return AlgorithmRuleBased, "Rule-based fraud detection system with threshold analysis"
	default:
		return AlgorithmLOF, "Local Outlier Factor - Primary fraud detection algorithm with proven performance"
	}
}

// mapModelHint maps a scorer-supplied model name to a known algorithm
// category. Unrecognized hints fall through to the cascade result.
func mapModelHint(modelName string) (string, string, bool) {
	name := strings.ToLower(modelName)
	switch {
	case name == "":
		return "", "", false
	case strings.Contains(name, "lof") || strings.Contains(name, "outlier"):
		return AlgorithmLOF, "Local Outlier Factor - Detects anomalies based on local density deviation", true
	case strings.Contains(name, "svm") || strings.Contains(name, "oneclass"):
		return AlgorithmOneClassSVM, "One-Class SVM - Support Vector Machine for novelty detection", true
	case strings.Contains(name, "autoencoder"):
		return AlgorithmAutoencoder, "Autoencoder Neural Network - Detects anomalies through reconstruction error", true
	case strings.Contains(name, "ensemble"):
		return AlgorithmEnsemble, "Ensemble Method - Combined multiple algorithms for enhanced accuracy", true
	case strings.Contains(name, "isolation") || strings.Contains(name, "forest"):
		return AlgorithmIsolationForest, "Isolation Forest - Baseline algorithm for comparison purposes", true
	case strings.Contains(name, "rule") || strings.Contains(name, "fallback"):
		return AlgorithmRuleBased, "Rule-based fraud detection system with threshold analysis", true
	default:
		return "", "", false
	}
}
