// Package transaction owns the transaction ledger and the ingestion
// pipeline that feeds the risk engine.
//
// Ingestion runs a fixed sequence:
//  1. Validate and persist the transaction.
//  2. Assess it through the scorer (model or rule fallback).
//  3. Hand anomalous assessments to the case lifecycle, which flags
//     this transaction back through the mirror.
//  4. Broadcast the processed transaction.
//
// The transaction row carries a fraud mirror (is_fraud, risk_score)
// that the anomaly synchronizer maintains. Mirror writes are
// last-write-wins at the row level; there is no per-transaction lock.
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/mwale/fraudlens/internal/anomaly"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateID         = errors.New("transaction id already exists")
	ErrValidation          = errors.New("validation failed")
)

// Status represents transaction processing state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transaction is a processed payment with its fraud mirror.
type Transaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	Merchant        string    `json:"merchant,omitempty"`
	TransactionType string    `json:"transactionType,omitempty"`
	LocationCity    string    `json:"locationCity,omitempty"`
	LocationCountry string    `json:"locationCountry,omitempty"`
	DeviceID        string    `json:"deviceId,omitempty"`
	IPAddress       string    `json:"ipAddress,omitempty"`
	IsNewLocation   bool      `json:"isNewLocation"`
	IsNewDevice     bool      `json:"isNewDevice"`
	Status          Status    `json:"status"`
	IsFraud         bool      `json:"isFraud"`
	RiskScore       float64   `json:"riskScore"`
	Description     string    `json:"description,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UserHistory summarizes a user's prior transactions for feature
// extraction.
type UserHistory struct {
	TransactionCount int
	TotalSpent       float64
	Locations        []string
	Devices          []string
}

// KnowsLocation reports whether the user transacted from city before.
func (h *UserHistory) KnowsLocation(city string) bool {
	for _, l := range h.Locations {
		if l == city {
			return true
		}
	}
	return false
}

// KnowsDevice reports whether the user transacted from device before.
func (h *UserHistory) KnowsDevice(deviceID string) bool {
	for _, d := range h.Devices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// Filter narrows List results.
type Filter struct {
	UserID    string
	Status    Status
	IsFraud   *bool
	Search    string // matches id, user id, merchant
	MinAmount *float64
	MaxAmount *float64
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Stats aggregates the ledger for the dashboard.
type Stats struct {
	TotalCount  int     `json:"totalCount"`
	FraudCount  int     `json:"fraudCount"`
	TotalAmount float64 `json:"totalAmount"`
	FraudAmount float64 `json:"fraudAmount"`
}

// Store persists transactions. UpdateMirror is the row-level
// last-write-wins write the anomaly synchronizer uses.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, f Filter) ([]*Transaction, int, error)
	UserHistory(ctx context.Context, userID string) (*UserHistory, error)
	UpdateMirror(ctx context.Context, transactionID string, patch anomaly.MirrorPatch) (anomaly.MirrorState, error)
	Stats(ctx context.Context) (*Stats, error)
}

// IngestRequest is the payload for submitting a transaction.
type IngestRequest struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id" binding:"required"`
	Amount          float64   `json:"amount" binding:"required"`
	Currency        string    `json:"currency"`
	Merchant        string    `json:"merchant"`
	TransactionType string    `json:"transaction_type"`
	LocationCity    string    `json:"location_city"`
	LocationCountry string    `json:"location_country"`
	DeviceID        string    `json:"device_id"`
	IPAddress       string    `json:"ip_address"`
	Description     string    `json:"description"`
	Timestamp       time.Time `json:"timestamp"`
}
