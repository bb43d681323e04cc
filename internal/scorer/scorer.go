// Package scorer obtains risk assessments for transactions.
//
// Every transaction is scored exactly once per ingestion:
// the remote model service is asked first (bounded timeout, circuit
// breaker), and on any transport failure, non-2xx status, or malformed
// response a local deterministic rule evaluator produces the assessment
// instead. Assess never returns an error; a transaction is always
// assessed, just possibly less accurately.
package scorer

import (
	"time"
)

// Model version tagged onto fallback assessments so downstream
// attribution can tell rule-based results from genuine model output.
const FallbackModelVersion = "fallback-rules-v1"

// Features carries the transaction attributes sent to the scorer.
type Features struct {
	TransactionID         string    `json:"transaction_id"`
	UserID                string    `json:"user_id,omitempty"`
	Amount                float64   `json:"amount"`
	Currency              string    `json:"currency,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
	Location              string    `json:"location,omitempty"`
	DeviceID              string    `json:"device_id,omitempty"`
	IsNewLocation         bool      `json:"is_new_location"`
	IsNewDevice           bool      `json:"is_new_device"`
	UserTotalTransactions int       `json:"user_total_transactions"`
	UserTotalAmountSpent  float64   `json:"user_total_amount_spent"`
}

// Assessment is the outcome of scoring one transaction. Transient:
// never persisted on its own, only folded into an anomaly record.
type Assessment struct {
	IsAnomaly        bool      `json:"is_anomaly"`
	RiskScore        float64   `json:"risk_score"`
	ModelName        string    `json:"model_name"`
	ModelVersion     string    `json:"model_version"`
	ModelDescription string    `json:"model_description,omitempty"`
	Confidence       float64   `json:"confidence"`
	RiskFactors      []string  `json:"risk_factors,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// IsFallback reports whether the assessment came from the local rule
// evaluator rather than the remote model.
func (a *Assessment) IsFallback() bool {
	return a.ModelVersion == FallbackModelVersion
}

// predictResponse is the remote scorer's wire shape.
type predictResponse struct {
	IsAnomaly        bool     `json:"is_anomaly"`
	AnomalyScore     float64  `json:"anomaly_score"`
	Confidence       *float64 `json:"confidence,omitempty"`
	ModelName        string   `json:"model_name,omitempty"`
	ModelVersion     string   `json:"model_version,omitempty"`
	ModelDescription string   `json:"model_description,omitempty"`
	RiskFactors      []string `json:"risk_factors,omitempty"`
}

// ModelHealth summarizes the remote scorer's self-reported state,
// surfaced on the diagnostics endpoint.
type ModelHealth struct {
	Status            string  `json:"status"`
	ModelName         string  `json:"model_name,omitempty"`
	ModelVersion      string  `json:"model_version,omitempty"`
	AverageConfidence float64 `json:"average_confidence"`
	Degraded          bool    `json:"degraded"`
	Detail            string  `json:"detail,omitempty"`
}
