package model

import "strings"

// Severity is the canonical severity bucket of a finding.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
)

// ParseSeverity canonicalizes a severity string case-insensitively.
// Unrecognized values fall back to Info; ok is false in that case so callers
// can preserve the original string (see Finding.RawSeverity).
func ParseSeverity(raw string) (sev Severity, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	case "info", "informational":
		return SeverityInfo, true
	}
	return SeverityInfo, false
}

// Finding is a single issue detected by a provider.
type Finding struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`

	// RawSeverity preserves the provider's original severity string when it
	// did not match a canonical value. Empty when Severity is authoritative.
	RawSeverity string `json:"raw_severity,omitempty"`

	Location       string   `json:"location,omitempty"`
	Evidence       string   `json:"evidence,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	References     []string `json:"references,omitempty"`

	// CWE or CVE identifier, e.g. "CWE-319" or "CVE-2021-44228".
	WeaknessID string `json:"weakness_id,omitempty"`
}

// NewFinding builds a finding with a canonicalized severity, preserving the
// raw string for anything unrecognized.
func NewFinding(title, description, severity string) Finding {
	sev, ok := ParseSeverity(severity)
	f := Finding{
		Title:       title,
		Description: description,
		Severity:    sev,
	}
	if !ok {
		f.RawSeverity = severity
	}
	return f
}
