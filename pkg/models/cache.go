package models

import "time"

// ArtifactEntry is a persisted render-cache row.
type ArtifactEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Prompt      string        `json:"prompt"`
	Artifact    Artifact      `json:"artifact"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries     int64 `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions,omitempty"`
	Expirations int64 `json:"expirations,omitempty"`
}

// HitRate returns hits / (hits + misses), or 0 when there were no lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
