package scorer

import (
	"time"
)

// Fallback rule weights. Policy constants observed in production,
// not derived from data.
const (
	baseRisk           = 0.1
	weightHighAmount   = 0.3
	weightLowHistory   = 0.2
	weightAboveAverage = 0.2
	weightOffHours     = 0.1
	weightNewLocation  = 0.15
	weightNewDevice    = 0.1

	riskCap          = 0.95
	anomalyThreshold = 0.5

	lowHistoryCount  = 5
	lowHistoryAmount = 10000.0
	averageMultiple  = 3.0

	businessHoursStart = 6  // inclusive
	businessHoursEnd   = 22 // inclusive
)

// RuleEvaluator computes deterministic rule-based assessments when the
// remote scorer is unavailable. Pure with respect to system state.
type RuleEvaluator struct {
	highValueAmount float64
}

// NewRuleEvaluator creates the fallback evaluator. highValueAmount is
// the threshold above which a transaction counts as high-value.
func NewRuleEvaluator(highValueAmount float64) *RuleEvaluator {
	if highValueAmount <= 0 {
		highValueAmount = 50000
	}
	return &RuleEvaluator{highValueAmount: highValueAmount}
}

// Evaluate scores a transaction from its features alone. Identical
// features always produce an identical score.
func (r *RuleEvaluator) Evaluate(f Features) *Assessment {
	score := baseRisk
	var factors []string

	if f.Amount > r.highValueAmount {
		score += weightHighAmount
		factors = append(factors, "High transaction amount")
	}

	if f.UserTotalTransactions < lowHistoryCount && f.Amount > lowHistoryAmount {
		score += weightLowHistory
		factors = append(factors, "New user with high amount")
	}

	if f.UserTotalTransactions > 0 {
		avg := f.UserTotalAmountSpent / float64(f.UserTotalTransactions)
		if f.Amount > avg*averageMultiple {
			score += weightAboveAverage
			factors = append(factors, "Amount significantly higher than user average")
		}
	}

	if !f.Timestamp.IsZero() {
		hour := f.Timestamp.UTC().Hour()
		if hour < businessHoursStart || hour > businessHoursEnd {
			score += weightOffHours
			factors = append(factors, "Transaction outside business hours")
		}
	}

	if f.IsNewLocation {
		score += weightNewLocation
		factors = append(factors, "Transaction from new location")
	}

	if f.IsNewDevice {
		score += weightNewDevice
		factors = append(factors, "Transaction from new device")
	}

	if score > riskCap {
		score = riskCap
	}

	return &Assessment{
		IsAnomaly:        score > anomalyThreshold,
		RiskScore:        score,
		ModelName:        "rule_engine",
		ModelVersion:     FallbackModelVersion,
		ModelDescription: "Deterministic rule evaluator used when the scoring service is unavailable",
		Confidence:       score,
		RiskFactors:      factors,
		Timestamp:        time.Now().UTC(),
	}
}
