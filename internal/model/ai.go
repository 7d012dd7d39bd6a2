package model

import "time"

const (
	AnalysisSourceAI       = "ai"
	AnalysisSourceFallback = "fallback"
)

// AIAnalysis holds the optional narrative enrichment attached to a completed
// job. Source records whether it came from the external analyze service or
// from the deterministic local fallback.
type AIAnalysis struct {
	RiskAssessment     string    `json:"risk_assessment"`
	Recommendations    []string  `json:"recommendations"`
	PrioritizedActions []string  `json:"prioritized_actions"`
	Source             string    `json:"source"` // "ai" | "fallback"
	GeneratedAt        time.Time `json:"generated_at"`
}
