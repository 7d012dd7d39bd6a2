// Package scanner defines the provider contract and the six scanner
// capability providers. Providers are a closed, compile-time-known set; the
// orchestrator enumerates them explicitly rather than discovering them.
package scanner

import (
	"context"
	"fmt"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
)

// Result is a provider's raw output before sanitization. Metadata and Raw may
// contain anything a provider's underlying libraries produced, including
// non-serializable or cyclic values; only the sanitizer decides what survives
// into persistence.
type Result struct {
	Score    int
	Findings []model.Finding
	Details  []model.DetailEntry
	Metadata map[string]any

	// Raw is an optional raw-data snapshot. Treated as hostile by the
	// sanitizer.
	Raw any
}

// Provider is one scanner capability. Implementations must not panic and
// must honor ctx cancellation on every network call; Run wraps them anyway
// so a misbehaving provider degrades to a failure finding instead of taking
// the job down.
type Provider interface {
	Component() model.Component

	// Scan runs the check against target. depthFactor (0.5/1.0/2.0)
	// modulates breadth only, never the contract shape.
	Scan(ctx context.Context, target string, depthFactor float64) Result
}

// failureSeverity maps each component to the severity of its scan-failure
// finding. Network-facing probes rank High, best-effort page checks Medium.
var failureSeverity = map[model.Component]model.Severity{
	model.ComponentTLS:         model.SeverityHigh,
	model.ComponentHeaders:     model.SeverityHigh,
	model.ComponentPorts:       model.SeverityMedium,
	model.ComponentVulns:       model.SeverityHigh,
	model.ComponentContent:     model.SeverityMedium,
	model.ComponentPerformance: model.SeverityMedium,
}

// Run executes a provider with panic isolation. Any panic is converted into
// a single failure finding with score 0, so one provider can never abort the
// job.
func Run(ctx context.Context, p Provider, target string, depthFactor float64, logger logging.Logger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("provider panicked",
					logging.Field{Key: "component", Value: string(p.Component())},
					logging.Field{Key: "panic", Value: fmt.Sprint(r)})
			}
			res = FailureResult(p.Component(), fmt.Errorf("provider panic: %v", r))
		}
	}()
	return p.Scan(ctx, target, depthFactor)
}

// FailureResult is the canonical "scan failed" result for a component: score
// 0 and a single finding whose title indicates the failure.
func FailureResult(c model.Component, err error) Result {
	sev := failureSeverity[c]
	if sev == "" {
		sev = model.SeverityMedium
	}
	return Result{
		Score: 0,
		Findings: []model.Finding{{
			Title:       fmt.Sprintf("%s scan failed", string(c)),
			Description: err.Error(),
			Severity:    sev,
		}},
	}
}
