package models

import "time"

// Outcome classifies how a generation request ended.
type Outcome string

const (
	OutcomeRendered           Outcome = "rendered"
	OutcomeCacheHit           Outcome = "cache_hit"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
	OutcomeGenerationFailed   Outcome = "generation_failed"
	OutcomeRenderFailed       Outcome = "render_failed"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeInvalid            Outcome = "invalid"
	OutcomeError              Outcome = "error"
)

// GenerationRecord is one logged generation request.
type GenerationRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	ClientID      string    `json:"client_id"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Quality       Quality   `json:"quality"`
	Outcome       Outcome   `json:"outcome"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// OutcomeSummary aggregates generation records by outcome.
type OutcomeSummary struct {
	Outcome      Outcome `json:"outcome"`
	Count        int     `json:"count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
