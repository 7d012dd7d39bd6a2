package model

import "time"

// DetailEntry is one bounded structured sub-entry attached to a component
// result, e.g. an open port or a TLS endpoint. Only scalar fields, so the
// sanitizer can carry entries through verbatim.
type DetailEntry struct {
	// For port findings.
	Port    int    `json:"port,omitempty"`
	Service string `json:"service,omitempty"`
	State   string `json:"state,omitempty"`

	// For TLS endpoints.
	Address     string `json:"address,omitempty"`
	Grade       string `json:"grade,omitempty"`
	HasWarnings bool   `json:"has_warnings,omitempty"`
}

// ComponentResult is the output of one provider for one job.
type ComponentResult struct {
	Score    int               `json:"score"`
	Findings []Finding         `json:"findings"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Details  []DetailEntry     `json:"details,omitempty"`

	// Error is set by the sanitizer when reconstruction of this component
	// failed; the rest of the fields are then zeroed.
	Error string `json:"error,omitempty"`
}

// SeverityCounts tallies findings by canonical severity bucket.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Add increments the bucket matching sev. Unrecognized severities were
// already canonicalized to Info by ParseSeverity.
func (c *SeverityCounts) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Info++
	}
}

// Total returns the number of findings counted.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

// Summary aggregates per-component scores into the job-level view.
// Overall is always derivable from ComponentScores and Counts at write time
// and is never edited independently afterward.
type Summary struct {
	Overall         int               `json:"overall"`
	ComponentScores map[Component]int `json:"component_scores"`
	Counts          SeverityCounts    `json:"counts"`
}

// ScanResult is the persisted aggregate for one completed job. It is written
// once, atomically, and never partially. Analysis is attached afterwards on a
// best-effort basis; a result without it is still complete.
type ScanResult struct {
	ID         string                        `json:"id"`
	JobID      string                        `json:"job_id"`
	Target     string                        `json:"target"`
	Components map[Component]ComponentResult `json:"components"`
	Summary    Summary                       `json:"summary"`
	Analysis   *AIAnalysis                   `json:"analysis,omitempty"`
	CreatedAt  time.Time                     `json:"created_at"`
	ExpiresAt  time.Time                     `json:"expires_at"`
}
