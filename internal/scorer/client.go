package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mwale/fraudlens/internal/circuitbreaker"
	"github.com/mwale/fraudlens/internal/logging"
	"github.com/mwale/fraudlens/internal/metrics"
)

// Client talks to the remote scoring service with a local rule fallback.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	fallback *RuleEvaluator
	logger   *slog.Logger
}

// NewClient creates a reusable scorer client. timeout bounds each
// remote call; expired calls take the fallback path.
func NewClient(baseURL string, timeout time.Duration, fallback *RuleEvaluator, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New("scorer", 5, 30*time.Second),
		fallback: fallback,
		logger:   logger,
	}
}

// Assess scores a transaction. Never returns an error: any failure of
// the remote scorer is absorbed by the deterministic rule fallback.
func (c *Client) Assess(ctx context.Context, f Features) *Assessment {
	if !c.breaker.Allow() {
		metrics.ScorerFallbacksTotal.WithLabelValues("circuit_open").Inc()
		metrics.AssessmentsTotal.WithLabelValues("fallback").Inc()
		return c.fallback.Evaluate(f)
	}

	assessment, err := c.predict(ctx, f)
	if err != nil {
		c.breaker.RecordFailure()
		logging.L(ctx).Warn("scorer unavailable, using rule fallback",
			"transaction_id", f.TransactionID,
			"error", err)
		metrics.ScorerFallbacksTotal.WithLabelValues(fallbackCause(err)).Inc()
		metrics.AssessmentsTotal.WithLabelValues("fallback").Inc()
		return c.fallback.Evaluate(f)
	}

	c.breaker.RecordSuccess()
	metrics.AssessmentsTotal.WithLabelValues("model").Inc()
	return assessment
}

// predict performs the remote call and maps the response.
func (c *Client) predict(ctx context.Context, f Features) (*Assessment, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timer := prometheus.NewTimer(metrics.ScorerRequestDuration)
	resp, err := c.http.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Assessment{
		IsAnomaly:        pr.IsAnomaly,
		RiskScore:        normalizeConfidence(pr.Confidence, pr.AnomalyScore),
		ModelName:        pr.ModelName,
		ModelVersion:     pr.ModelVersion,
		ModelDescription: pr.ModelDescription,
		Confidence:       normalizeConfidence(pr.Confidence, pr.AnomalyScore),
		RiskFactors:      pr.RiskFactors,
		Timestamp:        time.Now().UTC(),
	}, nil
}

// Health fetches the scorer's self-reported model health. Unlike
// Assess, failure here is visible: the answer degrades instead of
// substituting rules.
func (c *Client) Health(ctx context.Context) *ModelHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &ModelHealth{Status: "unreachable", Degraded: true, Detail: err.Error()}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ModelHealth{Status: "unreachable", Degraded: true, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ModelHealth{Status: "unhealthy", Degraded: true, Detail: resp.Status}
	}

	var mh ModelHealth
	if err := json.NewDecoder(resp.Body).Decode(&mh); err != nil {
		return &ModelHealth{Status: "unhealthy", Degraded: true, Detail: "malformed health response"}
	}
	if mh.Status == "" {
		mh.Status = "healthy"
	}
	return &mh
}

// normalizeConfidence maps the scorer's confidence or raw anomaly score
// into [0,1]. Some model families report unbounded negative scores;
// magnitudes above 100 are scaled down by 1000 before clamping.
func normalizeConfidence(confidence *float64, anomalyScore float64) float64 {
	if confidence != nil {
		return clamp01(*confidence)
	}
	magnitude := math.Abs(anomalyScore)
	if magnitude > 100 {
		magnitude = magnitude / 1000
	}
	return clamp01(magnitude)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fallbackCause buckets scorer errors for metrics.
func fallbackCause(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case strings.Contains(err.Error(), "unexpected status"):
		return "status"
	case strings.Contains(err.Error(), "decode response"):
		return "malformed"
	default:
		return "transport"
	}
}
