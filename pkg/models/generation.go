package models

import (
	"fmt"
	"time"
)

// Quality is the render quality tier understood by the renderer.
type Quality string

const (
	QualityLow    Quality = "l"
	QualityMedium Quality = "m"
	QualityHigh   Quality = "h"
)

// ParseQuality maps a raw quality string onto a Quality. An empty string
// selects QualityMedium.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "":
		return QualityMedium, nil
	case QualityLow, QualityMedium, QualityHigh:
		return Quality(s), nil
	default:
		return "", fmt.Errorf("invalid quality %q (want l, m or h)", s)
	}
}

// GenerateRequest is the inbound body of POST /generate.
type GenerateRequest struct {
	Prompt  string `json:"prompt"`
	Quality string `json:"quality,omitempty"`
}

// GenerateParams are the knobs passed to the code-generation service.
type GenerateParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Artifact references a rendered video.
type Artifact struct {
	URL         string        `json:"videoUrl"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Quality     Quality       `json:"quality"`
	RenderTime  time.Duration `json:"renderTime"`
	CodeLength  int           `json:"codeLength"`
	CreatedAt   time.Time     `json:"createdAt"`
	Cached      bool          `json:"cached"`
}

// GenerateResponse is the outbound body of a successful POST /generate.
type GenerateResponse struct {
	VideoURL      string  `json:"videoUrl"`
	Cached        bool    `json:"cached"`
	Fingerprint   string  `json:"fingerprint"`
	RenderTime    float64 `json:"renderTime"`
	CodeLength    int     `json:"codeLength"`
	CorrelationID string  `json:"correlationId"`
}
