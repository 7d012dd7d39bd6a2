// Package scoring turns findings into numeric scores. Every function here is
// pure: no I/O, no mutation of inputs, identical output for identical input.
package scoring

import (
	"math"

	"github.com/raysh454/kansa/internal/model"
)

// Deduction per finding by canonical severity. Unrecognized severities were
// canonicalized to Info upstream and deduct nothing.
var deductions = map[model.Severity]int{
	model.SeverityCritical: 25,
	model.SeverityHigh:     15,
	model.SeverityMedium:   10,
	model.SeverityLow:      5,
	model.SeverityInfo:     0,
}

// Overall-score penalties applied on top of the component average.
const (
	criticalPenalty = 10
	highPenalty     = 5
)

// ComponentScore computes the score for one component's findings: start at
// 100, subtract the per-severity deduction for each finding, clamp to
// [0,100]. No findings means a perfect 100.
func ComponentScore(findings []model.Finding) int {
	score := 100
	for _, f := range findings {
		score -= deductions[f.Severity]
	}
	return clamp(score)
}

// CountSeverities tallies findings across all components by canonical bucket.
func CountSeverities(components map[model.Component]model.ComponentResult) model.SeverityCounts {
	var counts model.SeverityCounts
	for _, cr := range components {
		for _, f := range cr.Findings {
			counts.Add(f.Severity)
		}
	}
	return counts
}

// Overall computes the job-level score: the mean of all present component
// scores, minus 10 per critical and 5 per high finding counted across all
// components, clamped to [0,100] and rounded to the nearest integer.
// With zero components present the overall score is 0.
func Overall(components map[model.Component]model.ComponentResult) (int, model.SeverityCounts) {
	counts := CountSeverities(components)
	if len(components) == 0 {
		return 0, counts
	}

	sum := 0
	for _, cr := range components {
		sum += clamp(cr.Score)
	}
	avg := float64(sum) / float64(len(components))

	penalized := avg - float64(criticalPenalty*counts.Critical) - float64(highPenalty*counts.High)
	return clamp(int(math.Round(penalized))), counts
}

// Summarize builds the persisted Summary for a set of component results.
func Summarize(components map[model.Component]model.ComponentResult) model.Summary {
	overall, counts := Overall(components)

	scores := make(map[model.Component]int, len(components))
	for name, cr := range components {
		scores[name] = clamp(cr.Score)
	}

	return model.Summary{
		Overall:         overall,
		ComponentScores: scores,
		Counts:          counts,
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
